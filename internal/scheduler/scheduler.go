// Package scheduler refreshes the inverter register groups, periodically and
// on demand, and decodes the raw blocks into named values.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/protocol"
)

// ErrUnknownGroup is returned for refresh requests naming no configured group.
var ErrUnknownGroup = errors.New("unknown register group")

// refreshParallelism bounds concurrent chunk reads per refresh. The device
// serializes internally; two in flight keeps the pipe full without flooding.
const refreshParallelism = 2

// PartialFailureError reports a refresh where some registers could not be
// read or decoded. The accompanying GroupResult still carries every value
// that did succeed.
type PartialFailureError struct {
	Group  string
	Failed []uint16
	Causes map[uint16]error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("group %s: %d registers failed: %s", e.Group, len(e.Failed), formatRegisters(e.Failed))
}

func formatRegisters(regs []uint16) string {
	s := ""
	for i, r := range regs {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("0x%04x", r)
	}
	return s
}

// Scheduler owns the register groups of one inverter. Each group with a
// non-zero interval gets its own refresh goroutine so a slow group never
// delays the others.
type Scheduler struct {
	serial   string
	client   domain.RegisterClient
	groups   []Group
	onResult func(domain.GroupResult)
	logger   zerolog.Logger

	mu   sync.RWMutex
	last map[string]domain.GroupResult
}

// New creates a scheduler for the given inverter. onResult is invoked with
// every refresh outcome that produced values, scheduled or on-demand; it may
// be nil.
func New(serial string, client domain.RegisterClient, groups []Group, onResult func(domain.GroupResult)) *Scheduler {
	return &Scheduler{
		serial:   serial,
		client:   client,
		groups:   groups,
		onResult: onResult,
		logger:   log.With().Str("component", "scheduler").Str("serial", serial).Logger(),
		last:     make(map[string]domain.GroupResult),
	}
}

// Groups lists the configured group names in definition order.
func (s *Scheduler) Groups() []string {
	names := make([]string, len(s.groups))
	for i, g := range s.groups {
		names[i] = g.Name
	}
	return names
}

// LastResult returns the most recent decoded values for a group.
func (s *Scheduler) LastResult(group string) (domain.GroupResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.last[group]
	return result, ok
}

// Run starts the periodic refresh loops and blocks until ctx is cancelled.
// Groups with a zero interval are skipped; they remain refreshable on demand.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, group := range s.groups {
		if group.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(group Group) {
			defer wg.Done()
			s.runGroup(ctx, group)
		}(group)
	}
	wg.Wait()
}

func (s *Scheduler) runGroup(ctx context.Context, group Group) {
	logger := s.logger.With().Str("group", group.Name).Logger()
	logger.Info().Dur("interval", group.Interval).Msg("Starting periodic refresh")

	ticker := time.NewTicker(group.Interval)
	defer ticker.Stop()

	// First refresh right away so sensors come up without waiting a full
	// interval.
	s.refreshAndEmit(ctx, group.Name, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Stopping periodic refresh")
			return
		case <-ticker.C:
			s.refreshAndEmit(ctx, group.Name, logger)
		}
	}
}

func (s *Scheduler) refreshAndEmit(ctx context.Context, group string, logger zerolog.Logger) {
	result, err := s.Refresh(ctx, group)

	var partial *PartialFailureError
	switch {
	case err == nil:
		logger.Debug().Int("values", len(result.Values)).Msg("Group refreshed")
	case errors.As(err, &partial):
		logger.Warn().Err(err).Int("values", len(result.Values)).Msg("Group partially refreshed")
	default:
		// Last-known values stay in place; next tick retries.
		logger.Error().Err(err).Msg("Group refresh failed")
		return
	}

	if s.onResult != nil && len(result.Values) > 0 {
		s.onResult(result)
	}
}

// Refresh reads and decodes one group immediately, regardless of its
// schedule. The block is fetched in bounded-parallel chunk reads; a failed
// chunk fails only the values it covers and the rest are returned alongside
// a PartialFailureError.
func (s *Scheduler) Refresh(ctx context.Context, name string) (domain.GroupResult, error) {
	group, err := s.group(name)
	if err != nil {
		return domain.GroupResult{}, err
	}

	type chunk struct {
		start  uint16
		count  uint16
		offset int // byte offset within the block
	}
	var chunks []chunk
	for off := uint16(0); off < group.Count; {
		n := group.Count - off
		if n > protocol.MaxRegistersPerQuery {
			n = protocol.MaxRegistersPerQuery
		}
		chunks = append(chunks, chunk{start: group.Start + off, count: n, offset: int(off) * 2})
		off += n
	}

	block := make([]byte, int(group.Count)*2)
	chunkErrs := make([]error, len(chunks))

	var g errgroup.Group
	g.SetLimit(refreshParallelism)
	for i, ch := range chunks {
		g.Go(func() error {
			data, err := s.client.ReadRegisters(ctx, ch.start, ch.count)
			if err != nil {
				chunkErrs[i] = err
				return nil
			}
			copy(block[ch.offset:], data)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // chunk errors are collected per chunk

	// A tuple is decodable only when every chunk covering its bytes
	// arrived.
	const chunkBytes = protocol.MaxRegistersPerQuery * 2
	coverage := func(offset, width int) error {
		for c := offset / chunkBytes; c <= (offset+width-1)/chunkBytes && c < len(chunkErrs); c++ {
			if chunkErrs[c] != nil {
				return chunkErrs[c]
			}
		}
		return nil
	}

	values := make(map[uint16]domain.RegisterValue, len(group.Tuples))
	var failed []uint16
	causes := make(map[uint16]error)

	for _, tuple := range group.Tuples {
		register := group.Register(tuple)
		width := tuple.Format.Width
		if width == 0 {
			width = 2
		}

		if err := coverage(tuple.Offset, width); err != nil {
			failed = append(failed, register)
			causes[register] = err
			continue
		}

		raw := block[tuple.Offset : tuple.Offset+width]
		value, err := tuple.Format.Decode(raw)
		if err != nil {
			failed = append(failed, register)
			causes[register] = err
			continue
		}

		rv := domain.RegisterValue{
			Register: register,
			Name:     tuple.Name,
			Value:    value,
			Raw:      raw,
		}
		if n, ok := value.(int64); ok && tuple.Scale != 0 {
			rv.Scaled = float64(n) * tuple.Scale
		}
		values[register] = rv
	}

	result := domain.GroupResult{
		Serial: s.serial,
		Group:  name,
		Values: values,
		At:     time.Now(),
	}
	s.store(result)

	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
		return result, &PartialFailureError{Group: name, Failed: failed, Causes: causes}
	}
	return result, nil
}

// store merges the refresh outcome into the last-known results, keeping
// previous values for registers the refresh could not deliver.
func (s *Scheduler) store(result domain.GroupResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[uint16]domain.RegisterValue, len(result.Values))
	if prev, ok := s.last[result.Group]; ok {
		for reg, v := range prev.Values {
			merged[reg] = v
		}
	}
	for reg, v := range result.Values {
		merged[reg] = v
	}

	s.last[result.Group] = domain.GroupResult{
		Serial: result.Serial,
		Group:  result.Group,
		Values: merged,
		At:     result.At,
	}
}

func (s *Scheduler) group(name string) (Group, error) {
	for _, g := range s.groups {
		if g.Name == name {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("%w: %q", ErrUnknownGroup, name)
}
