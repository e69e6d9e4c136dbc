package rpc

import (
	"cmp"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
)

// MultiCallResults holds each provider's verbatim outcome for one logical
// query, keyed by provider name. A provider appears in exactly one of the two
// maps. The zero value is unusable; results are built by Client fan-outs.
type MultiCallResults[T any] struct {
	OKs    map[string]T
	Errors map[string]error
}

func newMultiCallResults[T any](n int) MultiCallResults[T] {
	return MultiCallResults[T]{
		OKs:    make(map[string]T, n),
		Errors: make(map[string]error),
	}
}

// allOK returns the success map when no provider failed. Otherwise it
// collapses the results into a single error: the shared error when every
// provider failed identically, a disagreement in every other case.
func (r MultiCallResults[T]) allOK() (map[string]T, error) {
	if len(r.Errors) == 0 {
		return r.OKs, nil
	}
	return nil, r.expectError()
}

func (r MultiCallResults[T]) expectError() error {
	groups := make(map[string][]string)
	var sample error
	for provider, err := range r.Errors {
		groups[err.Error()] = append(groups[err.Error()], provider)
		sample = err
	}
	if len(groups) == 1 && len(r.OKs) == 0 {
		return fmt.Errorf("providers agree on failure: %w", sample)
	}
	return apperrors.DisagreementError(
		fmt.Errorf("mixed provider outcomes: %s", r.render()),
		"providers returned conflicting results",
	)
}

// render dumps every provider outcome in provider order, for error payloads
// and logs. Successful values are rendered through their canonical JSON form.
func (r MultiCallResults[T]) render() string {
	names := make([]string, 0, len(r.OKs)+len(r.Errors))
	for name := range r.OKs {
		names = append(names, name)
	}
	for name := range r.Errors {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(name)
		sb.WriteString("=")
		if v, ok := r.OKs[name]; ok {
			sb.WriteString(canonicalKey(v))
		} else {
			sb.WriteString("error(" + r.Errors[name].Error() + ")")
		}
	}
	return sb.String()
}

// canonicalKey is the serialized form responses are compared by. Two
// responses are the same answer exactly when their canonical keys match.
func canonicalKey[T any](v T) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(raw)
}

// ReduceWithEquality accepts the shared value when every provider succeeded
// with the identical response. Any provider failure or any differing value
// yields an error; the disagreement error carries each conflicting provider's
// verbatim outcome.
func ReduceWithEquality[T any](results MultiCallResults[T]) (T, error) {
	var zero T
	oks, err := results.allOK()
	if err != nil {
		return zero, err
	}
	names := sortedKeys(oks)
	base := oks[names[0]]
	baseKey := canonicalKey(base)
	conflict := newMultiCallResults[T](len(oks))
	for _, name := range names[1:] {
		if canonicalKey(oks[name]) != baseKey {
			conflict.OKs[name] = oks[name]
		}
	}
	if len(conflict.OKs) > 0 {
		conflict.OKs[names[0]] = base
		return zero, apperrors.DisagreementError(
			fmt.Errorf("inconsistent results: %s", conflict.render()),
			"providers returned conflicting results",
		)
	}
	return base, nil
}

// ReduceWithMinByKey accepts the successful response with the smallest key.
// Used for the latest block number, where the provider lagging furthest
// behind defines what the whole quorum has certainly seen.
func ReduceWithMinByKey[T any, K cmp.Ordered](results MultiCallResults[T], key func(T) K) (T, error) {
	var zero T
	oks, err := results.allOK()
	if err != nil {
		return zero, err
	}
	names := sortedKeys(oks)
	best := oks[names[0]]
	bestKey := key(best)
	for _, name := range names[1:] {
		if k := key(oks[name]); k < bestKey {
			best, bestKey = oks[name], k
		}
	}
	return best, nil
}

// ReduceWithStrictMajorityByKey accepts a response once at least minOK
// providers returned it verbatim, tolerating failures and stragglers. Used
// for fee history, which legitimately differs between providers near the tip.
func ReduceWithStrictMajorityByKey[T any](results MultiCallResults[T], minOK int) (T, error) {
	var zero T
	if len(results.OKs) < minOK {
		return zero, results.expectError()
	}
	counts := make(map[string][]string)
	values := make(map[string]T)
	for name, v := range results.OKs {
		k := canonicalKey(v)
		counts[k] = append(counts[k], name)
		values[k] = v
	}
	bestKey, bestCount := "", 0
	for k, providers := range counts {
		if len(providers) > bestCount || (len(providers) == bestCount && k < bestKey) {
			bestKey, bestCount = k, len(providers)
		}
	}
	if bestCount < minOK {
		return zero, apperrors.DisagreementError(
			fmt.Errorf("no strict majority: %s", results.render()),
			"providers returned conflicting results",
		)
	}
	return values[bestKey], nil
}

func sortedKeys[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
