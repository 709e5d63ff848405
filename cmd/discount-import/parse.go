package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/discount"
)

var requiredColumns = []string{"code", "type", "value"}

// readFile parses one gzip-compressed CSV export. The first row is the
// header; code, type and value are required, minimum_amount, usage_limit,
// starts_at, ends_at and active are optional. Within a file the last row for
// a code wins.
func readFile(ctx context.Context, path string) ([]discount.Code, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return parseCSV(ctx, gz)
}

func parseCSV(ctx context.Context, r io.Reader) ([]discount.Code, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, errors.Errorf("missing column %q", name)
		}
	}

	var (
		codes []discount.Code
		index = make(map[string]int)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read record")
		}
		line, _ := cr.FieldPos(0)

		c, err := parseRecord(cols, rec)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		if i, ok := index[c.Code]; ok {
			codes[i] = c
			continue
		}
		index[c.Code] = len(codes)
		codes = append(codes, c)
	}
	return codes, nil
}

func parseRecord(cols map[string]int, rec []string) (discount.Code, error) {
	field := func(name string) string {
		if i, ok := cols[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	c := discount.Code{
		Code:   strings.ToUpper(field("code")),
		Type:   discount.Type(strings.ToLower(field("type"))),
		Active: true,
	}
	if c.Code == "" {
		return c, errors.New("empty code")
	}
	if !c.Type.Valid() {
		return c, errors.Errorf("code %s: unknown type %q", c.Code, c.Type)
	}

	var err error
	if c.Value, err = decimal.NewFromString(field("value")); err != nil {
		return c, errors.Wrapf(err, "code %s: value", c.Code)
	}
	if !c.Value.IsPositive() {
		return c, errors.Errorf("code %s: value must be positive", c.Code)
	}
	if c.Type == discount.TypePercentage && c.Value.GreaterThan(decimal.NewFromInt(100)) {
		return c, errors.Errorf("code %s: percentage above 100", c.Code)
	}
	if v := field("minimum_amount"); v != "" {
		if c.MinimumAmount, err = decimal.NewFromString(v); err != nil {
			return c, errors.Wrapf(err, "code %s: minimum_amount", c.Code)
		}
	}
	if v := field("usage_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c, errors.Errorf("code %s: invalid usage_limit %q", c.Code, v)
		}
		c.UsageLimit = &n
	}
	if c.StartsAt, err = parseTime(field("starts_at")); err != nil {
		return c, errors.Wrapf(err, "code %s: starts_at", c.Code)
	}
	if c.EndsAt, err = parseTime(field("ends_at")); err != nil {
		return c, errors.Wrapf(err, "code %s: ends_at", c.Code)
	}
	if c.StartsAt != nil && c.EndsAt != nil && !c.EndsAt.After(*c.StartsAt) {
		return c, errors.Errorf("code %s: ends_at is not after starts_at", c.Code)
	}
	if v := field("active"); v != "" {
		if c.Active, err = strconv.ParseBool(v); err != nil {
			return c, errors.Wrapf(err, "code %s: active", c.Code)
		}
	}
	return c, nil
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		if t, err = time.Parse(time.DateOnly, v); err != nil {
			return nil, err
		}
	}
	t = t.UTC()
	return &t, nil
}

// merge combines per-file results in argument order; a code in a later file
// replaces the same code from an earlier one.
func merge(files [][]discount.Code) []discount.Code {
	var (
		out   []discount.Code
		index = make(map[string]int)
	)
	for _, codes := range files {
		for _, c := range codes {
			if i, ok := index[c.Code]; ok {
				out[i] = c
				continue
			}
			index[c.Code] = len(out)
			out = append(out, c)
		}
	}
	return out
}

// existsFunc reports whether a code is already stored.
type existsFunc func(ctx context.Context, code string) (bool, error)

// dropExisting removes codes that are already stored. known holds every
// stored code, so a negative test skips the database lookup.
func dropExisting(ctx context.Context, codes []discount.Code, known *bloom.BloomFilter, exists existsFunc) ([]discount.Code, int, error) {
	out := codes[:0]
	var skipped int
	for _, c := range codes {
		if known.TestString(c.Code) {
			ok, err := exists(ctx, c.Code)
			if err != nil {
				return nil, 0, errors.Wrapf(err, "check %s", c.Code)
			}
			if ok {
				skipped++
				continue
			}
		}
		out = append(out, c)
	}
	return out, skipped, nil
}
