// Package pairing decides which discovered peripherals the loader talks to.
package pairing

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/robertof/go-healthpi-loader/transport"
	"github.com/robertof/go-healthpi-loader/utils"
)

// Registry is the set of devices the user paired with the loader.
type Registry struct {
	ids map[transport.ID]struct{}
}

func NewRegistry(ids ...transport.ID) *Registry {
	r := &Registry{ids: make(map[transport.ID]struct{}, len(ids))}

	for _, id := range ids {
		r.ids[id] = struct{}{}
	}

	return r
}

// ParseRegistry reads one device address per line. Blank and malformed lines are skipped.
func ParseRegistry(in io.Reader) (*Registry, error) {
	r := NewRegistry()
	scanner := bufio.NewScanner(in)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		id, err := transport.ParseID(line)
		if err != nil {
			log.Warn().Int("Line", lineNo).Err(err).Msg("pairing: skipping invalid device entry")
			continue
		}

		r.ids[id] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read paired devices")
	}

	return r, nil
}

func LoadRegistry(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open paired devices file %q", path)
	}
	defer f.Close()

	r, err := ParseRegistry(f)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("Path", path).
		Int("Count", r.Len()).
		Array("Devices", utils.ToZeroLogArray(r.IDs())).
		Msg("Loaded paired devices")

	return r, nil
}

func (r *Registry) Contains(id transport.ID) bool {
	_, ok := r.ids[id]
	return ok
}

func (r *Registry) Len() int {
	return len(r.ids)
}

// IDs returns the paired devices sorted by address.
func (r *Registry) IDs() []transport.ID {
	ids := maps.Keys(r.ids)

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	return ids
}
