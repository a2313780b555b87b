// Package ratepolicy holds the per-route rate limit policies of the site API.
//
// Policies ship with compiled-in defaults and can be overridden by a JSON
// document stored in an SSM parameter:
//
//	{"routes":{"/api/contact":{"capacity":5,"window_seconds":3600,"bucket_ttl_seconds":7200}}}
//
// Routes absent from the override keep their default.
package ratepolicy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/keystone-comms/keystone-web/internal/ratelimit"
	"github.com/keystone-comms/keystone-web/internal/xerrors"
)

// ContactRoute is the chi pattern of the contact form endpoint.
const ContactRoute = "/api/contact"

// Policy is the limiter policy for one route.
type Policy struct {
	Capacity         int `json:"capacity"`
	WindowSeconds    int `json:"window_seconds"`
	BucketTTLSeconds int `json:"bucket_ttl_seconds,omitempty"`
}

// Config converts p to a limiter config.
func (p Policy) Config(clientIDHeader string) ratelimit.Config {
	return ratelimit.Config{
		Capacity:       p.Capacity,
		Window:         time.Duration(p.WindowSeconds) * time.Second,
		BucketTTL:      time.Duration(p.BucketTTLSeconds) * time.Second,
		ClientIDHeader: clientIDHeader,
	}
}

// Document maps route patterns to policies.
type Document struct {
	Routes map[string]Policy `json:"routes"`
}

// Defaults returns the compiled-in policies.
func Defaults() Document {
	return Document{Routes: map[string]Policy{
		ContactRoute: {Capacity: 5, WindowSeconds: 3600},
	}}
}

// FromConfig builds a single-route document from flag values.
func FromConfig(route string, capacity int, window, bucketTTL time.Duration) Document {
	return Document{Routes: map[string]Policy{
		route: {
			Capacity:         capacity,
			WindowSeconds:    int(window / time.Second),
			BucketTTLSeconds: int(bucketTTL / time.Second),
		},
	}}
}

// Parse decodes and validates an override document. Unknown fields are rejected.
func Parse(data []byte) (Document, error) {
	var d Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Document{}, xerrors.Wrap(err, "decode rate policy")
	}
	if len(d.Routes) == 0 {
		return Document{}, xerrors.New("rate policy has no routes")
	}
	if err := d.Validate(); err != nil {
		return Document{}, err
	}
	return d, nil
}

// Validate checks every route policy and reports all problems at once.
func (d Document) Validate() error {
	var errs []error
	for _, route := range d.RouteNames() {
		p := d.Routes[route]
		if route == "" || route[0] != '/' {
			errs = append(errs, fmt.Errorf("route %q must start with /", route))
		}
		if err := p.Config("").Validate(); err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", route, err))
		}
	}
	return errors.Join(errs...)
}

// Merge returns d with every route of over replacing the same route in d.
func (d Document) Merge(over Document) Document {
	out := Document{Routes: make(map[string]Policy, len(d.Routes)+len(over.Routes))}
	maps.Copy(out.Routes, d.Routes)
	maps.Copy(out.Routes, over.Routes)
	return out
}

// Lookup returns the policy for route.
func (d Document) Lookup(route string) (Policy, bool) {
	p, ok := d.Routes[route]
	return p, ok
}

// RouteNames returns the configured routes in sorted order.
func (d Document) RouteNames() []string {
	return slices.Sorted(maps.Keys(d.Routes))
}
