package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

const maxLineBytes = 1 << 20

// couponLine is one JSON line of an import file.
type couponLine struct {
	Code                 string              `json:"code"`
	Name                 string              `json:"name"`
	Description          string              `json:"description"`
	Type                 coupon.Type         `json:"type"`
	Value                decimal.Decimal     `json:"value"`
	MinimumAmount        decimal.NullDecimal `json:"minimumAmount"`
	MaximumAmount        decimal.NullDecimal `json:"maximumAmount"`
	MaxUses              *int                `json:"maxUses"`
	MaxUsesPerUser       *int                `json:"maxUsesPerUser"`
	StartDate            time.Time           `json:"startDate"`
	EndDate              time.Time           `json:"endDate"`
	Status               coupon.Status       `json:"status"`
	Restrictions         coupon.Restrictions `json:"restrictions"`
	ApplicableProducts   []string            `json:"applicableProducts"`
	ApplicableCategories []string            `json:"applicableCategories"`
	ExcludeProducts      []string            `json:"excludeProducts"`
}

// Creator is the part of the coupon service the importer needs.
type Creator interface {
	CreateCoupon(ctx context.Context, req coupon.CreateRequest) (*coupon.Coupon, error)
}

// Stats summarizes an import run.
type Stats struct {
	Created    int64
	Existing   int64
	Rejected   int64
	Duplicates int64
	Malformed  int64
}

// Importer loads coupon definitions from gzipped JSON-lines files.
//
// A code may appear several times, in one file or across files; only its
// first occurrence in file order is imported. Duplicates are found in two
// passes: a bloom filter per file is built concurrently, flagging codes the
// file's own filter already holds, then each file is checked against the
// filters of the files before it. Only bloom hits are tracked exactly, so
// memory stays proportional to the number of suspected duplicates.
type Importer struct {
	svc      Creator
	lg       *zap.Logger
	workers  int
	expected uint
	fpr      float64
}

// NewImporter creates an Importer that creates coupons through svc.
func NewImporter(svc Creator, lg *zap.Logger, workers int, expected uint) *Importer {
	return &Importer{
		svc:      svc,
		lg:       lg,
		workers:  max(workers, 1),
		expected: max(expected, 1),
		fpr:      0.001,
	}
}

// Run imports files in order and returns the totals.
func (im *Importer) Run(ctx context.Context, files []string) (Stats, error) {
	suspects := newSuspectSet()
	filters, err := im.buildFilters(ctx, files, suspects)
	if err != nil {
		return Stats{}, errors.Wrap(err, "build bloom filters")
	}
	if err := im.findSuspects(ctx, files, filters, suspects); err != nil {
		return Stats{}, errors.Wrap(err, "find duplicate candidates")
	}
	im.lg.Info("Duplicate candidates found", zap.Int("count", len(suspects.codes)))

	var (
		stats Stats
		seen  = make(map[string]struct{}, len(suspects.codes))
	)
	for _, f := range files {
		if err := im.importFile(ctx, f, suspects.codes, seen, &stats); err != nil {
			return stats, errors.Wrapf(err, "import %s", f)
		}
	}
	return stats, nil
}

// suspectSet collects codes that may occur more than once.
type suspectSet struct {
	mu    sync.Mutex
	codes map[string]struct{}
}

func newSuspectSet() *suspectSet {
	return &suspectSet{codes: make(map[string]struct{})}
}

func (s *suspectSet) merge(local map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code := range local {
		s.codes[code] = struct{}{}
	}
}

// buildFilters builds one bloom filter per file. A code the file's filter
// already holds is a repeat within that file and becomes a suspect.
func (im *Importer) buildFilters(ctx context.Context, files []string, suspects *suspectSet) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			var (
				filter = bloom.NewWithEstimates(im.expected, im.fpr)
				local  = make(map[string]struct{})
				n      int
			)
			err := streamCodes(ctx, path, func(code string) {
				if filter.TestAndAddString(code) {
					local[code] = struct{}{}
				}
				n++
			})
			if err != nil {
				return err
			}
			im.lg.Info("Bloom filter built", zap.String("file", path), zap.Int("codes", n))
			filters[i] = filter
			suspects.merge(local)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findSuspects adds codes of later files that may also be in an earlier one.
func (im *Importer) findSuspects(ctx context.Context, files []string, filters []*bloom.BloomFilter, suspects *suspectSet) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		if i == 0 {
			continue
		}
		g.Go(func() error {
			local := make(map[string]struct{})
			err := streamCodes(ctx, path, func(code string) {
				for _, f := range filters[:i] {
					if f.TestString(code) {
						local[code] = struct{}{}
						return
					}
				}
			})
			if err != nil {
				return err
			}
			suspects.merge(local)
			return nil
		})
	}
	return g.Wait()
}

func (im *Importer) importFile(
	ctx context.Context,
	path string,
	suspects map[string]struct{},
	seen map[string]struct{},
	stats *Stats,
) error {
	var created, existing, rejected int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)

	err := streamLines(gctx, path, func(lineNo int, line []byte) {
		var cl couponLine
		if err := json.Unmarshal(line, &cl); err != nil {
			im.lg.Warn("Malformed line", zap.String("file", path), zap.Int("line", lineNo), zap.Error(err))
			stats.Malformed++
			return
		}

		code := coupon.NormalizeCode(cl.Code)
		if _, suspect := suspects[code]; suspect {
			if _, dup := seen[code]; dup {
				stats.Duplicates++
				return
			}
			seen[code] = struct{}{}
		}

		req := coupon.CreateRequest(cl)
		g.Go(func() error {
			_, err := im.svc.CreateCoupon(gctx, req)
			switch {
			case err == nil:
				atomic.AddInt64(&created, 1)
			case errors.Is(err, coupon.ErrCodeAlreadyExists):
				atomic.AddInt64(&existing, 1)
			case coupon.KindOf(err) != "":
				atomic.AddInt64(&rejected, 1)
				im.lg.Warn("Coupon rejected",
					zap.String("file", path),
					zap.Int("line", lineNo),
					zap.String("code", code),
					zap.Error(err),
				)
			default:
				return errors.Wrapf(err, "create coupon %q", code)
			}
			return nil
		})
	})
	if werr := g.Wait(); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}

	stats.Created += created
	stats.Existing += existing
	stats.Rejected += rejected
	im.lg.Info("File imported",
		zap.String("file", path),
		zap.Int64("created", created),
		zap.Int64("existing", existing),
		zap.Int64("rejected", rejected),
	)
	return nil
}

// streamCodes calls fn with the normalized code of every well-formed line.
func streamCodes(ctx context.Context, path string, fn func(code string)) error {
	return streamLines(ctx, path, func(_ int, line []byte) {
		var cl struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(line, &cl) != nil {
			return
		}
		if code := coupon.NormalizeCode(cl.Code); code != "" {
			fn(code)
		}
	})
}

// streamLines opens a gzip-compressed file and calls fn for each non-empty
// line.
func streamLines(ctx context.Context, path string, fn func(lineNo int, line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var lineNo int
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		fn(lineNo, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
