package cloud

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Spawn partitions machines by region key and launches one batch per
// distinct region on the given launcher, preserving input order within each
// batch. Regions launch concurrently; the first failure determines the
// result but does not cancel sibling regions already in flight, and regions
// that launched successfully stay launched (no rollback). Callers needing
// all-or-nothing semantics must tear down themselves.
//
// Duplicate nicknames or an empty machine set fail with a ConfigError
// before any provider call is made.
func Spawn(ctx context.Context, l Launcher, machines []NamedSetup, maxWait time.Duration, log zerolog.Logger) error {
	if len(machines) == 0 {
		return Configf("cannot launch zero machines")
	}
	seen := make(map[string]struct{}, len(machines))
	for _, m := range machines {
		if _, ok := seen[m.Nickname]; ok {
			return Configf("duplicate machine nickname %q", m.Nickname)
		}
		seen[m.Nickname] = struct{}{}
	}

	log.Info().Int("machines", len(machines)).Msg("spinning up fleet")

	// Group by region key, keeping input order inside each group.
	grouped := make(map[string][]NamedSetup)
	var order []string
	for _, m := range machines {
		key := m.Setup.RegionKey()
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], m)
	}

	// One task per region. A plain errgroup (no shared cancellation) keeps
	// a failing region from aborting its siblings.
	var g errgroup.Group
	for _, region := range order {
		batch := LaunchBatch{
			Region:   region,
			Log:      log.With().Str("region", region).Logger(),
			MaxWait:  maxWait,
			Machines: grouped[region],
		}
		g.Go(func() error {
			return l.Launch(ctx, batch)
		})
	}
	return g.Wait()
}

// MergeConnections folds several nickname-to-machine maps, typically one
// per launcher, into a single map. Two sources producing the same nickname
// is a configuration error, not a silent overwrite.
func MergeConnections(maps ...map[string]Machine) (map[string]Machine, error) {
	out := make(map[string]Machine)
	for _, m := range maps {
		for nickname, machine := range m {
			if _, ok := out[nickname]; ok {
				return nil, Configf("nickname %q produced by more than one launcher", nickname)
			}
			out[nickname] = machine
		}
	}
	return out, nil
}
