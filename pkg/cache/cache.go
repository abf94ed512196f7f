// Package cache deduplicates answers for identical question and patient
// pairs.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zen-systems/carepath/pkg/clinical"
)

const (
	DefaultSize = 512
	DefaultTTL  = 30 * time.Minute
)

// Cache is a thread-safe expiring LRU of answers. A nil *Cache stores
// nothing.
type Cache struct {
	lru *expirable.LRU[string, clinical.AnswerResult]
}

// New creates a cache. Non-positive arguments use the defaults.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{lru: expirable.NewLRU[string, clinical.AnswerResult](size, nil, ttl)}
}

// Key derives the cache key of a query. Question whitespace and case do not
// matter; every patient field and the forced backend do.
func Key(q clinical.ClinicalQuery) string {
	p := q.Patient
	age := ""
	if p.Age != nil {
		age = strconv.Itoa(*p.Age)
	}
	parts := []string{
		normalize(q.Question),
		age,
		normalize(p.Gender),
		normalize(p.Symptoms),
		normalize(p.History),
		normalize(p.Medications),
		normalize(p.Allergies),
		strconv.FormatBool(p.Pregnant),
		normalize(p.Vitals),
		normalize(p.ExamFindings),
		normalize(p.ResourceLevel),
		q.Options.Backend,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Cacheable reports whether a result may be stored.
func Cacheable(r *clinical.AnswerResult) bool {
	return r != nil && !r.Failed() && r.Confidence.Rank() >= clinical.LevelLow.Rank()
}

// Get returns a copy of the cached answer with Cached set.
func (c *Cache) Get(key string) (*clinical.AnswerResult, bool) {
	if c == nil {
		return nil, false
	}
	r, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	r.Cached = true
	return &r, true
}

// Put stores r when it is cacheable and reports whether it did.
func (c *Cache) Put(key string, r *clinical.AnswerResult) bool {
	if c == nil || !Cacheable(r) {
		return false
	}
	stored := *r
	stored.Cached = false
	stored.Queued = false
	c.lru.Add(key, stored)
	return true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
