// Package services is the static catalogue of contractor services offered on the site.
// The contact form's service field is validated against it.
package services

import "slices"

type Service struct {
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

var catalogue = []Service{
	{
		Slug:    "structured-cabling",
		Title:   "Structured Cabling",
		Summary: "Cat6/6A copper design, installation, termination and certification for offices and campuses.",
	},
	{
		Slug:    "fiber-optics",
		Title:   "Fiber Optics",
		Summary: "Single-mode and multimode backbone, splicing, OTDR testing and outside plant.",
	},
	{
		Slug:    "wireless-das",
		Title:   "Wireless & DAS",
		Summary: "Wi-Fi surveys, access point deployment and distributed antenna systems for in-building coverage.",
	},
	{
		Slug:    "security-systems",
		Title:   "Security Systems",
		Summary: "IP video surveillance, access control and intrusion detection.",
	},
	{
		Slug:    "audio-visual",
		Title:   "Audio Visual",
		Summary: "Conference rooms, digital signage and paging integrated with the network.",
	},
	{
		Slug:    "site-construction",
		Title:   "Site Construction",
		Summary: "Trenching, conduit, pathways and telecom room build-outs.",
	},
}

// Catalogue returns a copy of every offered service in display order.
func Catalogue() []Service {
	return slices.Clone(catalogue)
}

// Lookup finds a service by slug.
func Lookup(slug string) (Service, bool) {
	i := slices.IndexFunc(catalogue, func(s Service) bool { return s.Slug == slug })
	if i < 0 {
		return Service{}, false
	}
	return catalogue[i], true
}
