package strategy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Bucket is an inclusive window of days to expiration.
type Bucket struct {
	Index   int
	MinDays int
	MaxDays int
	Label   string
}

// Contains reports whether dte falls inside the bucket, bounds included.
func (b Bucket) Contains(dte int) bool {
	return dte >= b.MinDays && dte <= b.MaxDays
}

func validateBuckets(buckets []Bucket) error {
	if len(buckets) == 0 {
		return fmt.Errorf("at least one bucket is required")
	}
	for i, b := range buckets {
		if b.MinDays < 1 {
			return fmt.Errorf("bucket %d: min days must be >= 1", i)
		}
		if b.MinDays > b.MaxDays {
			return fmt.Errorf("bucket %d: min days %d > max days %d", i, b.MinDays, b.MaxDays)
		}
		if i > 0 && b.MinDays <= buckets[i-1].MaxDays {
			return fmt.Errorf("bucket %d [%d,%d] overlaps or precedes bucket %d [%d,%d]",
				i, b.MinDays, b.MaxDays, i-1, buckets[i-1].MinDays, buckets[i-1].MaxDays)
		}
	}
	return nil
}

// Bucketer maps days to expiration onto a fixed, ordered bucket table.
type Bucketer struct {
	buckets []Bucket
}

// NewBucketer validates the table and numbers the buckets in order.
func NewBucketer(buckets []Bucket) (*Bucketer, error) {
	if err := validateBuckets(buckets); err != nil {
		return nil, err
	}
	own := make([]Bucket, len(buckets))
	for i, b := range buckets {
		b.Index = i
		if strings.TrimSpace(b.Label) == "" {
			b.Label = fmt.Sprintf("%d-%d Days", b.MinDays, b.MaxDays)
		}
		own[i] = b
	}
	return &Bucketer{buckets: own}, nil
}

// Buckets returns a copy of the table.
func (b *Bucketer) Buckets() []Bucket {
	out := make([]Bucket, len(b.buckets))
	copy(out, b.buckets)
	return out
}

// MaxDays returns the upper bound of the last bucket.
func (b *Bucketer) MaxDays() int {
	return b.buckets[len(b.buckets)-1].MaxDays
}

// Assign returns the bucket containing dte.
func (b *Bucketer) Assign(dte int) (Bucket, bool) {
	if dte <= 0 {
		return Bucket{}, false
	}
	i := sort.Search(len(b.buckets), func(i int) bool { return b.buckets[i].MaxDays >= dte })
	if i < len(b.buckets) && b.buckets[i].Contains(dte) {
		return b.buckets[i], true
	}
	return Bucket{}, false
}

// Expiration is a parsed expiration date with its calendar DTE.
type Expiration struct {
	Date string
	DTE  int
}

// DaysToExpiration counts calendar days from asOf (dated in loc) to the expiration date.
func DaysToExpiration(asOf time.Time, expiration time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	a := asOf.In(loc)
	from := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(expiration.Year(), expiration.Month(), expiration.Day(), 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

// ParseExpirations parses YYYY-MM-DD dates and drops unparseable, same-day and
// past expirations. Duplicates are dropped and the result is chronological.
func ParseExpirations(asOf time.Time, loc *time.Location, raw []string) []Expiration {
	seen := make(map[string]bool, len(raw))
	out := make([]Expiration, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if seen[s] {
			continue
		}
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			continue
		}
		seen[s] = true
		dte := DaysToExpiration(asOf, d, loc)
		if dte <= 0 {
			continue
		}
		out = append(out, Expiration{Date: d.Format(dateLayout), DTE: dte})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DTE < out[j].DTE })
	return out
}

// Target is one (ticker, group) slot whose option chain must be evaluated.
type Target struct {
	Key        GroupKey
	Expiration Expiration
	Bucket     Bucket
	InBucket   bool
}

// Label returns the display label of the target's group.
func (t Target) Label() string {
	if t.InBucket {
		return t.Bucket.Label
	}
	return t.Expiration.Date
}

// PlanByBucket picks, for every bucket, the expiration with the largest DTE
// inside it. Expirations outside every bucket are dropped. Targets are
// returned in bucket order.
func (b *Bucketer) PlanByBucket(exps []Expiration) []Target {
	best := make(map[int]Expiration, len(b.buckets))
	for _, e := range exps {
		bk, ok := b.Assign(e.DTE)
		if !ok {
			continue
		}
		if cur, found := best[bk.Index]; !found || e.DTE > cur.DTE {
			best[bk.Index] = e
		}
	}
	targets := make([]Target, 0, len(best))
	for _, bk := range b.buckets {
		e, ok := best[bk.Index]
		if !ok {
			continue
		}
		targets = append(targets, Target{
			Key:        GroupKey{Bucket: bk.Index},
			Expiration: e,
			Bucket:     bk,
			InBucket:   true,
		})
	}
	return targets
}

// PlanByExpiration makes every expiration with 1 <= DTE <= MaxDays a target of
// its own, in chronological order.
func (b *Bucketer) PlanByExpiration(exps []Expiration) []Target {
	targets := make([]Target, 0, len(exps))
	for _, e := range exps {
		if e.DTE < 1 || e.DTE > b.MaxDays() {
			continue
		}
		bk, in := b.Assign(e.DTE)
		targets = append(targets, Target{
			Key:        GroupKey{Bucket: -1, Expiration: e.Date},
			Expiration: e,
			Bucket:     bk,
			InBucket:   in,
		})
	}
	return targets
}
