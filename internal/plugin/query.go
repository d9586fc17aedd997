package plugin

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/skobkin/amdgpu-sampler/internal/sensor"
)

// AllDevices selects every device in a Query.
const AllDevices = -1

var queryPattern = regexp.MustCompile(`^ID([^:]+)::(.+)$`)

var errMalformedQuery = errors.New("expected ID<device|*>::<sensor>")

// Query is a parsed metric request of the form "ID<device>::<sensor>". The
// device part is a decimal index or "*"; the sensor part is a catalog name
// or a glob over catalog names.
type Query struct {
	Device  int
	Pattern string
}

// ParseQuery parses a metric request such as "ID0::socket_power" or
// "ID*::*_temp_current".
func ParseQuery(s string) (Query, error) {
	m := queryPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Query{}, fmt.Errorf("parse query %q: %w", s, errMalformedQuery)
	}

	q := Query{Device: AllDevices, Pattern: m[2]}
	if m[1] != "*" {
		device, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return Query{}, fmt.Errorf("parse query %q: invalid device %q", s, m[1])
		}
		q.Device = int(device)
	}

	if _, err := path.Match(q.Pattern, ""); err != nil {
		return Query{}, fmt.Errorf("parse query %q: %w", s, err)
	}
	return q, nil
}

// Kinds returns the catalog kinds whose names match the sensor pattern.
func (q Query) Kinds() []sensor.Kind {
	var out []sensor.Kind
	for _, kind := range sensor.Kinds() {
		if ok, _ := path.Match(q.Pattern, kind.String()); ok {
			out = append(out, kind)
		}
	}
	return out
}

// Matches reports whether device is selected by the query.
func (q Query) Matches(device uint32) bool {
	return q.Device == AllDevices || uint32(q.Device) == device
}

// ParseName resolves a flat metric name such as "ID1::edge_temp_current" to
// its handle. Globs and wildcards are rejected.
func ParseName(name string) (sensor.Handle, error) {
	q, err := ParseQuery(name)
	if err != nil {
		return sensor.Handle{}, err
	}
	if q.Device == AllDevices {
		return sensor.Handle{}, fmt.Errorf("parse metric name %q: wildcard device", name)
	}
	kind, ok := sensor.KindByName(q.Pattern)
	if !ok {
		return sensor.Handle{}, fmt.Errorf("parse metric name %q: unknown sensor %q", name, q.Pattern)
	}
	return sensor.New(uint32(q.Device), kind), nil
}
