package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/repository"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	minCodeLen    = 4
	maxCodeLen    = 32
	batchSize     = 500
	maxFiles      = 64
)

// rule is applied to every imported code.
type rule struct {
	Type          discount.Type
	Value         decimal.Decimal
	MinOrderValue decimal.Decimal
	MaxDiscount   *decimal.Decimal
	Validity      time.Duration
	OneTimeUse    bool
	Description   string
}

func (r rule) code(c string, now time.Time) discount.Code {
	return discount.Code{
		Code:              c,
		Type:              r.Type,
		Value:             r.Value,
		MinOrderValue:     r.MinOrderValue,
		MaxDiscountAmount: r.MaxDiscount,
		StartsAt:          now,
		EndsAt:            now.Add(r.Validity),
		Active:            true,
		OneTimeUse:        r.OneTimeUse,
		Description:       r.Description,
	}
}

// fileResult holds the codes of one file that may also appear elsewhere.
type fileResult struct {
	unique     []string
	candidates map[string]uint
}

func main() {
	var (
		dataDir     string
		databaseURL string
		kind        string
		value       string
		minOrder    string
		maxDiscount string
		validity    time.Duration
		oneTime     bool
		description string
		estimate    uint
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.gz code batches, one CSV row per code")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&kind, "type", string(discount.TypePercentage), "discount type: percentage or fixed_amount")
	flag.StringVar(&value, "value", "10", "discount value")
	flag.StringVar(&minOrder, "min-order", "0", "minimum order subtotal")
	flag.StringVar(&maxDiscount, "max-discount", "", "cap for percentage discounts")
	flag.DurationVar(&validity, "validity", 30*24*time.Hour, "how long imported codes stay valid")
	flag.BoolVar(&oneTime, "one-time", true, "each user may redeem a code once")
	flag.StringVar(&description, "description", "Promo code", "description shown to shoppers")
	flag.UintVar(&estimate, "estimate", 10_000_000, "expected codes per file, sizes the bloom filters")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	r, err := parseRule(kind, value, minOrder, maxDiscount, validity, oneTime, description)
	if err != nil {
		slog.Error("invalid discount rule", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, r, estimate); err != nil {
		slog.Error("discount import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("discount import completed successfully")
}

func parseRule(kind, value, minOrder, maxDiscount string, validity time.Duration, oneTime bool, description string) (rule, error) {
	r := rule{
		Type:        discount.Type(kind),
		Validity:    validity,
		OneTimeUse:  oneTime,
		Description: description,
	}
	if !r.Type.Valid() {
		return rule{}, errors.Errorf("unknown discount type %q", kind)
	}
	var err error
	if r.Value, err = decimal.NewFromString(value); err != nil {
		return rule{}, errors.Wrap(err, "parse value")
	}
	if !r.Value.IsPositive() {
		return rule{}, errors.New("value must be positive")
	}
	if r.Type == discount.TypePercentage && r.Value.GreaterThan(decimal.NewFromInt(100)) {
		return rule{}, errors.New("percentage must not exceed 100")
	}
	if r.MinOrderValue, err = decimal.NewFromString(minOrder); err != nil {
		return rule{}, errors.Wrap(err, "parse min order")
	}
	if maxDiscount != "" {
		v, err := decimal.NewFromString(maxDiscount)
		if err != nil {
			return rule{}, errors.Wrap(err, "parse max discount")
		}
		r.MaxDiscount = &v
	}
	if validity <= 0 {
		return rule{}, errors.New("validity must be positive")
	}
	return r, nil
}

func run(ctx context.Context, dataDir, databaseURL string, r rule, estimate uint) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.gz"))
	if err != nil {
		return errors.Wrap(err, "list batches")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.gz batches in %s", dataDir)
	}
	if len(files) > maxFiles {
		return errors.Errorf("%d batches exceed the limit of %d", len(files), maxFiles)
	}
	slices.Sort(files)

	codes, collisions, err := collectCodes(ctx, files, estimate)
	if err != nil {
		return err
	}
	for _, c := range collisions {
		slog.Warn("code appears in several batches, skipped", slog.String("code", c))
	}

	slog.Info("codes to import", slog.Int("count", len(codes)), slog.Int("collisions", len(collisions)))

	if len(codes) == 0 {
		slog.Info("no codes to import")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := writeCodes(ctx, repository.NewTransactor(pool), repository.NewDiscountRepository(pool), codes, r, time.Now()); err != nil {
		return errors.Wrap(err, "write codes to database")
	}

	return nil
}

// collectCodes runs both passes and splits the codes into those found in
// exactly one batch and those found in several.
func collectCodes(ctx context.Context, files []string, estimate uint) (codes, collisions []string, err error) {
	// Pass 1: Build bloom filters concurrently.
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters, err := buildBloomFilters(ctx, files, estimate)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: Confirm which codes show up in more than one file.
	slog.Info("pass 2: checking for cross-batch collisions")

	results, err := scanFiles(ctx, files, filters)
	if err != nil {
		return nil, nil, errors.Wrap(err, "scan batches")
	}
	codes, collisions = classify(results)
	return codes, collisions, nil
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string, estimate uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(estimate, bloomFPR)
			var count uint64

			if err := streamGzFile(ctx, f, func(code string) {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", filepath.Base(f)), slog.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for %s", f)
			}

			slog.Info("pass 1 complete", slog.String("file", filepath.Base(f)), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return filters, nil
}

// scanFiles re-streams each file. Codes absent from every other file's
// filter are certainly unique; the rest are candidates, tagged with the
// file's bit.
func scanFiles(ctx context.Context, files []string, filters []*bloom.BloomFilter) ([]fileResult, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			res := fileResult{candidates: make(map[string]uint)}
			fileBit := uint(1) << uint(i)
			seen := make(map[string]struct{})

			if err := streamGzFile(ctx, f, func(code string) {
				if _, dup := seen[code]; dup {
					return
				}
				seen[code] = struct{}{}

				for j, other := range filters {
					if j != i && other.TestString(code) {
						res.candidates[code] |= fileBit
						return
					}
				}
				res.unique = append(res.unique, code)
			}); err != nil {
				return errors.Wrapf(err, "scan %s", f)
			}

			slog.Info("pass 2 complete",
				slog.String("file", filepath.Base(f)),
				slog.Int("unique", len(res.unique)),
				slog.Int("candidates", len(res.candidates)),
			)
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// classify merges candidate bitmasks. A candidate seen by a single file was
// a bloom false positive and is imported.
func classify(results []fileResult) (codes, collisions []string) {
	merged := make(map[string]uint)
	for _, r := range results {
		codes = append(codes, r.unique...)
		for code, mask := range r.candidates {
			merged[code] |= mask
		}
	}
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			collisions = append(collisions, code)
		} else {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	slices.Sort(collisions)
	return codes, collisions
}

// streamGzFile opens a gzip-compressed file and calls fn for each
// well-formed code, normalised.
func streamGzFile(ctx context.Context, path string, fn func(code string)) error {
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
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if code, ok := normalize(scanner.Text()); ok {
			fn(code)
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// normalize takes the first CSV field of line as the code.
func normalize(line string) (string, bool) {
	field, _, _ := strings.Cut(line, ",")
	code := discount.Normalize(field)
	if len(code) < minCodeLen || len(code) > maxCodeLen {
		return "", false
	}
	for _, c := range code {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return "", false
		}
	}
	return code, true
}

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type upserter interface {
	Upsert(ctx context.Context, c discount.Code) error
}

// writeCodes upserts codes in transactional batches.
func writeCodes(ctx context.Context, tx transactor, repo upserter, codes []string, r rule, now time.Time) error {
	slog.Info("writing codes to database", slog.Int("count", len(codes)))

	for start := 0; start < len(codes); start += batchSize {
		batch := codes[start:min(start+batchSize, len(codes))]
		if err := tx.WithinTx(ctx, func(ctx context.Context) error {
			for _, c := range batch {
				if err := repo.Upsert(ctx, r.code(c, now)); err != nil {
					return errors.Wrapf(err, "upsert code %s", c)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		slog.Info("write progress", slog.Int("written", start+len(batch)), slog.Int("total", len(codes)))
	}

	return nil
}
