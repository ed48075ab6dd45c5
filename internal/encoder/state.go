package encoder

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

const keyVersion = "v1"

// State is an immutable, discretized view of a task and its agent.
// Two states are equal iff their keys are byte-identical.
type State struct {
	taskType   string
	complexity int
	caps       []string
	resource   int
	attempt    int
	bins       int
	key        string
}

// TaskType returns the normalized task type.
func (s State) TaskType() string { return s.taskType }

// ComplexityBin returns the complexity bucket in [0, Bins).
func (s State) ComplexityBin() int { return s.complexity }

// ResourceBin returns the resource-availability bucket in [0, Bins).
func (s State) ResourceBin() int { return s.resource }

// Attempt returns the clamped attempt counter.
func (s State) Attempt() int { return s.attempt }

// Bins returns the number of buckets used for continuous features.
func (s State) Bins() int { return s.bins }

// Capabilities returns a copy of the sorted capability tags.
func (s State) Capabilities() []string { return slices.Clone(s.caps) }

// Key returns the canonical serialization.
func (s State) Key() string { return s.key }

// IsZero reports whether s was never encoded.
func (s State) IsZero() bool { return s.key == "" }

// Equal reports key equality.
func (s State) Equal(o State) bool { return s.key == o.key }

// String implements fmt.Stringer.
func (s State) String() string { return s.key }

// Compare orders states by key.
func Compare(a, b State) int { return strings.Compare(a.key, b.key) }

func newState(taskType string, complexity int, caps []string, resource, attempt, bins int) State {
	s := State{
		taskType:   taskType,
		complexity: complexity,
		caps:       caps,
		resource:   resource,
		attempt:    attempt,
		bins:       bins,
	}
	s.key = fmt.Sprintf("%s|t=%s|c=%d/%d|caps=%s|r=%d/%d|n=%d",
		keyVersion, taskType, complexity, bins, strings.Join(caps, ","), resource, bins, attempt)
	return s
}

// #region parse

// ParseState decodes a key produced by State.Key.
func ParseState(key string) (State, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 6 || parts[0] != keyVersion {
		return State{}, &EncodingError{Field: "state_key", Reason: fmt.Sprintf("unrecognized key %q", key)}
	}
	field := func(p, prefix string) (string, error) {
		v, ok := strings.CutPrefix(p, prefix)
		if !ok {
			return "", &EncodingError{Field: "state_key", Reason: fmt.Sprintf("missing %q in %q", prefix, key)}
		}
		return v, nil
	}

	taskType, err := field(parts[1], "t=")
	if err != nil {
		return State{}, err
	}
	c, err := field(parts[2], "c=")
	if err != nil {
		return State{}, err
	}
	capsRaw, err := field(parts[3], "caps=")
	if err != nil {
		return State{}, err
	}
	r, err := field(parts[4], "r=")
	if err != nil {
		return State{}, err
	}
	n, err := field(parts[5], "n=")
	if err != nil {
		return State{}, err
	}

	complexity, bins, err := parseBin(c)
	if err != nil {
		return State{}, err
	}
	resource, rbins, err := parseBin(r)
	if err != nil {
		return State{}, err
	}
	if rbins != bins {
		return State{}, &EncodingError{Field: "state_key", Reason: "bin counts differ"}
	}
	attempt, err := strconv.Atoi(n)
	if err != nil || attempt < 0 {
		return State{}, &EncodingError{Field: "state_key", Reason: fmt.Sprintf("bad attempt %q", n)}
	}
	var caps []string
	if capsRaw != "" {
		caps = strings.Split(capsRaw, ",")
	}
	s := newState(taskType, complexity, caps, resource, attempt, bins)
	if s.key != key {
		return State{}, &EncodingError{Field: "state_key", Reason: fmt.Sprintf("non-canonical key %q", key)}
	}
	return s, nil
}

func parseBin(v string) (bin, bins int, err error) {
	a, b, ok := strings.Cut(v, "/")
	if !ok {
		return 0, 0, &EncodingError{Field: "state_key", Reason: fmt.Sprintf("bad bucket %q", v)}
	}
	bin, err1 := strconv.Atoi(a)
	bins, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil || bins <= 0 || bin < 0 || bin >= bins {
		return 0, 0, &EncodingError{Field: "state_key", Reason: fmt.Sprintf("bad bucket %q", v)}
	}
	return bin, bins, nil
}

// #endregion parse

// #region distance

// Distance measures how far apart two states are. States of different task
// types are infinitely far apart. Otherwise it is the sum of the normalized
// bucket distances, the capped attempt difference and the Jaccard distance of
// the capability sets.
func Distance(a, b State) float64 {
	if a.taskType != b.taskType || a.IsZero() || b.IsZero() {
		return math.Inf(1)
	}
	d := binDistance(a.complexity, a.bins, b.complexity, b.bins)
	d += binDistance(a.resource, a.bins, b.resource, b.bins)
	d += math.Min(1, math.Abs(float64(a.attempt-b.attempt))/float64(DefaultMaxAttempt))
	d += jaccardDistance(a.caps, b.caps)
	return d
}

func binDistance(a, abins, b, bbins int) float64 {
	return math.Abs(binCenter(a, abins) - binCenter(b, bbins))
}

func binCenter(bin, bins int) float64 {
	return (float64(bin) + 0.5) / float64(bins)
}

func jaccardDistance(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch strings.Compare(a[i], b[j]) {
		case 0:
			inter++
			i++
			j++
		case -1:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return 1 - float64(inter)/float64(union)
}

// #endregion distance
