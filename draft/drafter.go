package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// draftedTotal counts blurbs written by Fill, by target locale
var draftedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "blurbsync_draft_blurbs_total",
	Help: "Blurbs machine-drafted into the cache by target locale",
}, []string{"locale"})

const (
	// DefaultBatchSize is the number of texts sent per provider call.
	DefaultBatchSize = 25

	// DefaultMaxTries is the number of attempts per batch, the first included.
	DefaultMaxTries = 3
)

// Cache is the part of cache.Cache the drafter reads and writes.
type Cache interface {
	Entries() map[string]string
	Set(key, value string)
}

// Result summarizes a Fill call.
type Result struct {
	Drafted  int // Keys written to the target locale
	Existing int // Keys the target locale already had
	Texts    int // Distinct texts sent to the provider
}

// Drafter writes machine translations for keys a locale is missing.
type Drafter struct {
	provider  Provider
	cache     Cache
	logger    *slog.Logger
	batchSize int
	maxTries  uint
	retryWait time.Duration

	context       string
	style         Style
	glossary      map[string]string
	excludedTerms []string
}

// Option configures a Drafter.
type Option func(*Drafter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Drafter) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBatchSize sets how many texts go into one provider call.
func WithBatchSize(n int) Option {
	return func(d *Drafter) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithRetry sets the attempts per batch and the wait before the first
// retry. Only errors a provider marks retryable are retried.
func WithRetry(maxTries uint, wait time.Duration) Option {
	return func(d *Drafter) {
		if maxTries > 0 {
			d.maxTries = maxTries
		}
		if wait > 0 {
			d.retryWait = wait
		}
	}
}

// WithContext describes the application to the provider.
func WithContext(text string) Option {
	return func(d *Drafter) {
		d.context = text
	}
}

// WithStyle sets the register of drafted text.
func WithStyle(style Style) Option {
	return func(d *Drafter) {
		d.style = style
	}
}

// WithGlossary sets preferred translations for specific phrases.
func WithGlossary(glossary map[string]string) Option {
	return func(d *Drafter) {
		d.glossary = glossary
	}
}

// WithExcludedTerms sets terms that are never translated.
func WithExcludedTerms(terms ...string) Option {
	return func(d *Drafter) {
		d.excludedTerms = append(d.excludedTerms, terms...)
	}
}

// New creates a Drafter writing into cache.
func New(provider Provider, cache Cache, opts ...Option) *Drafter {
	d := &Drafter{
		provider:  provider,
		cache:     cache,
		logger:    slog.Default(),
		batchSize: DefaultBatchSize,
		maxTries:  DefaultMaxTries,
		retryWait: time.Second,
		style:     StyleNeutral,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Missing returns, sorted, the target keys Fill would write.
func (d *Drafter) Missing(from, to string) []string {
	entries := d.cache.Entries()
	fromPrefix, toPrefix := from+".", to+"."

	var missing []string
	for key := range entries {
		if !strings.HasPrefix(key, fromPrefix) {
			continue
		}
		target := toPrefix + strings.TrimPrefix(key, fromPrefix)
		if _, ok := entries[target]; !ok {
			missing = append(missing, target)
		}
	}
	sort.Strings(missing)
	return missing
}

type pendingDraft struct {
	target string
	source string
	markup *markup // nil for plain text
}

// Fill translates every "<from>.<rest>" blurb that has no "<to>.<rest>"
// counterpart and stores the result under the target key. Nothing is
// written if any provider call fails.
func (d *Drafter) Fill(ctx context.Context, from, to string) (*Result, error) {
	if from == "" || to == "" || from == to {
		return nil, fmt.Errorf("draft: invalid locales %q -> %q", from, to)
	}

	entries := d.cache.Entries()
	fromPrefix, toPrefix := from+".", to+"."

	keys := make([]string, 0, len(entries))
	for key := range entries {
		if strings.HasPrefix(key, fromPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	result := &Result{}
	var work []pendingDraft
	var texts, hints []string
	seen := make(map[string]bool)

	addText := func(text, hint string) {
		if !seen[text] {
			seen[text] = true
			texts = append(texts, text)
			hints = append(hints, hint)
		}
	}

	for _, key := range keys {
		target := toPrefix + strings.TrimPrefix(key, fromPrefix)
		if _, ok := entries[target]; ok {
			result.Existing++
			continue
		}

		source := entries[key]
		item := pendingDraft{target: target, source: source}

		if hasMarkup(source) {
			m, err := parseMarkup(source)
			if err != nil {
				d.logger.Warn("Treating blurb as plain text", "key", key, "error", err)
			} else {
				item.markup = m
				for _, t := range m.Texts() {
					addText(t, key)
				}
			}
		}
		if item.markup == nil && strings.TrimSpace(source) != "" {
			addText(source, key)
		}

		work = append(work, item)
	}

	translations, err := d.translate(ctx, from, to, texts, hints)
	if err != nil {
		return nil, err
	}
	result.Texts = len(texts)

	for _, item := range work {
		value := item.source
		switch {
		case item.markup != nil:
			value, err = item.markup.Apply(translations)
			if err != nil {
				return result, fmt.Errorf("drafting %s: %w", item.target, err)
			}
		case strings.TrimSpace(item.source) != "":
			value = translations[item.source]
		}

		d.cache.Set(item.target, value)
		result.Drafted++
	}

	draftedTotal.WithLabelValues(to).Add(float64(result.Drafted))
	d.logger.Info("Drafted blurbs", "from", from, "to", to,
		"drafted", result.Drafted, "existing", result.Existing, "texts", result.Texts)

	return result, nil
}

func (d *Drafter) translate(ctx context.Context, from, to string, texts, hints []string) (map[string]string, error) {
	out := make(map[string]string, len(texts))

	for start := 0; start < len(texts); start += d.batchSize {
		end := start + d.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[start:end]
		translated, err := d.translateBatch(ctx, Request{
			Texts:         batch,
			Keys:          hints[start:end],
			SourceLang:    from,
			TargetLang:    to,
			Context:       d.context,
			ExcludedTerms: d.excludedTerms,
			Glossary:      d.glossary,
			Style:         d.style,
		})
		if err != nil {
			return nil, fmt.Errorf("translating batch %d-%d: %w", start, end, err)
		}
		if len(translated) != len(batch) {
			return nil, countMismatch(len(batch), len(translated))
		}

		for i, text := range batch {
			out[text] = translated[i]
		}
	}

	return out, nil
}

// translateBatch calls the provider, backing off between attempts while
// it reports a retryable failure.
func (d *Drafter) translateBatch(ctx context.Context, req Request) ([]string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryWait
	b.MaxInterval = 30 * time.Second

	translated, err := backoff.Retry(ctx, func() ([]string, error) {
		out, err := d.provider.Translate(ctx, req)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn("Retrying translation batch", "to", req.TargetLang, "texts", len(req.Texts), "in", next, "error", err)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return translated, err
}
