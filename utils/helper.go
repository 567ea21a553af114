package utils

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TrxnDateLayout is the date suffix of synthesized payment transaction ids.
const TrxnDateLayout = "20060102150405"

var ErrRunInProgress = errors.New("a sync run is already in progress")

var collectionDateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ParseCollectionDate reads the day/month/year dates used in collection reports.
// The ISO forms seen in AUDDIS/ARUDD files are accepted as well.
func ParseCollectionDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrorInvalidDate
	}
	for _, layout := range collectionDateLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrorInvalidDate, value)
}

func FormatTrxnDate(t time.Time) string {
	return t.Format(TrxnDateLayout)
}

// CleanAmount strips currency symbols and separators, keeping the sign and
// fraction. ok is false when nothing numeric remains.
func CleanAmount(value string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsDigit(r) || r == '.' || r == '-' || r == '+' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return decimal.Zero, false
	}
	dec, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return dec, true
}

// NewInvoiceId returns a random 32-hex-character idempotency key.
func NewInvoiceId() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// AddFrequency advances t by interval units. Unknown units (and lifetime) leave t unchanged.
func AddFrequency(t time.Time, unit string, interval int) time.Time {
	if interval <= 0 {
		interval = 1
	}
	switch strings.ToLower(unit) {
	case "day":
		return t.AddDate(0, 0, interval)
	case "week":
		return t.AddDate(0, 0, 7*interval)
	case "month":
		return t.AddDate(0, interval, 0)
	case "year":
		return t.AddDate(interval, 0, 0)
	default:
		return t
	}
}

// FrequencyLabel renders 1, "month" as "1 Month".
func FrequencyLabel(interval int, unit string) string {
	return strings.TrimSpace(strconv.Itoa(interval) + " " + UppercaseFirst(unit))
}

func UppercaseFirst(s string) string {
	if s == "" {
		return ""
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// SplitAndTrim splits s on sep and drops empty parts.
func SplitAndTrim(s string, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	var defaultValue T
	if len(defaults) > 0 {
		defaultValue = defaults[0]
	}
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}

// ObtainRunLock takes the one-run-at-a-time lock. The caller releases it.
func ObtainRunLock(ctx context.Context, locker *redislock.Client, key string, ttl time.Duration) (*redislock.Lock, error) {
	if locker == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}
