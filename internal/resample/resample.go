// Package resample implements the period processor (spec §4.4): resampling
// an ordered bar sequence from a finer period to a coarser one, aligning to
// period boundaries, and optional gap-filling.
package resample

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantarc/marketfeed/internal/bar"
)

// ErrNoPath is returned when no admissible chain of periods connects from to
// to.
var ErrNoPath = errors.New("resample: no admissible path between periods")

// chain enumerates directly-admissible period pairs; indirect pairs chain
// through the shortest admissible path (spec §4.4's 1m→1d→1w example).
var chain = map[bar.Period][]bar.Period{
	bar.Period1m:  {bar.Period5m, bar.Period15m, bar.Period30m, bar.Period1h, bar.Period1d},
	bar.Period5m:  {bar.Period15m, bar.Period30m, bar.Period1h},
	bar.Period15m: {bar.Period30m, bar.Period1h},
	bar.Period30m: {bar.Period1h, bar.Period2h},
	bar.Period1h:  {bar.Period2h, bar.Period4h, bar.Period1d},
	bar.Period2h:  {bar.Period4h, bar.Period1d},
	bar.Period4h:  {bar.Period1d},
	bar.Period1d:  {bar.Period1w, bar.Period1M},
	bar.Period1w:  {bar.Period1M},
}

// Path returns the shortest admissible chain of periods from `from`
// (exclusive) to `to` (inclusive), e.g. Path(1m, 1w) -> [1d, 1w].
func Path(from, to bar.Period) ([]bar.Period, error) {
	if from == to {
		return nil, fmt.Errorf("resample: from and to are identical (%s)", from)
	}
	type frame struct {
		period bar.Period
		path   []bar.Period
	}
	visited := map[bar.Period]bool{from: true}
	queue := []frame{{period: from, path: nil}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range chain[cur.period] {
			if next == to {
				return append(append([]bar.Period{}, cur.path...), next), nil
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, frame{period: next, path: append(append([]bar.Period{}, cur.path...), next)})
			}
		}
	}
	return nil, ErrNoPath
}

// Options controls gap-fill behavior.
type Options struct {
	GapFill bool
}

// Resample aggregates bars (assumed to be of period `from`, ascending by
// timestamp) into period `to`. Aggregation per boundary: open=first,
// high=max, low=min, close=last, volume=sum, amount=sum (spec §4.4).
// Boundaries with no input bars are dropped unless Options.GapFill is set,
// in which case a zero-filled bar is inserted.
func Resample(bars []bar.Bar, from, to bar.Period, reg *bar.Registry, opts Options) ([]bar.Bar, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	path, err := Path(from, to)
	if err != nil {
		return nil, err
	}
	current := bars
	for _, step := range path {
		current = aggregateOneStep(current, step, reg, opts)
	}
	return current, nil
}

func aggregateOneStep(bars []bar.Bar, to bar.Period, reg *bar.Registry, opts Options) []bar.Bar {
	if len(bars) == 0 {
		return nil
	}
	groups := map[int64][]bar.Bar{}
	var order []int64
	for _, b := range bars {
		boundary := reg.Align(to, b.Timestamp)
		key := boundary.Unix()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], b)
	}

	out := make([]bar.Bar, 0, len(order))
	for i, key := range order {
		group := groups[key]
		boundary := reg.Align(to, group[0].Timestamp)
		aggBar := aggregateGroup(group, boundary)
		out = append(out, aggBar)
		if opts.GapFill && i+1 < len(order) {
			nextBoundary := groups[order[i+1]][0].Timestamp
			nextBoundaryAligned := reg.Align(to, nextBoundary)
			out = append(out, fillGap(aggBar, nextBoundaryAligned, to, reg)...)
		}
	}
	return out
}

// fillGap inserts flat, zero-volume synthetic bars for every boundary
// strictly between lastBar's timestamp and nextBoundary, carrying lastBar's
// close forward so the OHLC invariant still holds (spec §4.4 gap-fill).
func fillGap(lastBar bar.Bar, nextBoundary time.Time, period bar.Period, reg *bar.Registry) []bar.Bar {
	var filled []bar.Bar
	cursor := reg.NextBoundary(period, lastBar.Timestamp)
	for cursor.Before(nextBoundary) {
		filled = append(filled, bar.Bar{
			Symbol:       lastBar.Symbol,
			Timestamp:    cursor,
			Open:         lastBar.Close,
			High:         lastBar.Close,
			Low:          lastBar.Close,
			Close:        lastBar.Close,
			Volume:       0,
			Amount:       0,
			QualityScore: 0.5,
		})
		cursor = reg.NextBoundary(period, cursor)
	}
	return filled
}

func aggregateGroup(group []bar.Bar, boundary time.Time) bar.Bar {
	agg := bar.Bar{
		Symbol:    group[0].Symbol,
		Timestamp: boundary,
		Open:      group[0].Open,
		High:      group[0].High,
		Low:       group[0].Low,
		Close:     group[len(group)-1].Close,
	}
	var volume uint64
	var amount int64
	minScore := group[0].QualityScore
	for _, b := range group {
		if b.High > agg.High {
			agg.High = b.High
		}
		if b.Low < agg.Low {
			agg.Low = b.Low
		}
		volume += b.Volume
		amount += b.Amount
		if b.QualityScore < minScore {
			minScore = b.QualityScore
		}
	}
	agg.Volume = volume
	agg.Amount = amount
	agg.QualityScore = minScore
	return agg
}
