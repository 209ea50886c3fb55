// Package validate holds small named tests for node parameter values and
// outputs: is this a regex, a word, an int, a list of words, and so on.
package validate

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrUnknownTest  = errors.New("unknown validator")
	ErrBadArguments = errors.New("bad validator arguments")
)

type Result struct {
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
}

func pass() Result {
	return Result{Pass: true, Detail: "syntax is ok"}
}

func fail(format string, args ...any) Result {
	return Result{Pass: false, Detail: fmt.Sprintf(format, args...)}
}

// StringTest checks a single candidate string.
type StringTest func(candidate string) Result

var stringTests = map[string]StringTest{
	"IsRegex":                  IsRegex,
	"IsWord":                   IsWord,
	"IntAsString":              IntAsString,
	"IntAsStringOrAll":         IntAsStringOrAll,
	"FloatAsString":            FloatAsString,
	"SemicolonSeparatedWords":  SemicolonSeparatedWords,
	"UnderscoreSeparatedWords": UnderscoreSeparatedWords,
	"ExclamSeparatedInts":      ExclamSeparatedInts,
}

// Lookup finds a single-string test by name.
func Lookup(name string) (StringTest, bool) {
	t, ok := stringTests[name]
	return t, ok
}

// Names lists every test Run understands.
func Names() []string {
	names := make([]string, 0, len(stringTests)+6)
	for n := range stringTests {
		names = append(names, n)
	}
	names = append(names,
		"ExclamSeparatedItemsFromList",
		"StringInList",
		"PositiveInteger",
		"FloatInRange",
		"IntMinimizesTuplesLengths",
		"EachOne",
	)
	sort.Strings(names)
	return names
}

// IsRegex reports whether candidate compiles as a regular expression.
// Patterns use RE2 syntax, so backreferences and lookaround are rejected.
func IsRegex(candidate string) Result {
	if _, err := regexp.Compile(candidate); err != nil {
		return fail("%v", err)
	}
	return pass()
}

// IsWord accepts any string without a space.
func IsWord(candidate string) Result {
	if strings.Contains(candidate, " ") {
		return fail("%q contains a space", candidate)
	}
	return pass()
}

func IntAsString(candidate string) Result {
	if _, err := strconv.ParseInt(candidate, 10, 32); err != nil {
		return fail("can't be parsed as integer: %s", candidate)
	}
	return pass()
}

func IntAsStringOrAll(candidate string) Result {
	if candidate == "all" {
		return pass()
	}
	return IntAsString(candidate)
}

func FloatAsString(candidate string) Result {
	if _, err := strconv.ParseFloat(strings.TrimSpace(candidate), 32); err != nil {
		return fail("can't be parsed as float: %s", candidate)
	}
	return pass()
}

func SemicolonSeparatedWords(candidate string) Result {
	return allParts(candidate, ";", IsWord)
}

func UnderscoreSeparatedWords(candidate string) Result {
	return allParts(candidate, "_", IsWord)
}

func ExclamSeparatedInts(candidate string) Result {
	return allParts(candidate, "!!", IntAsString)
}

func ExclamSeparatedItemsFromList(candidate string, available []string) Result {
	for _, part := range splitParts(candidate, "!!") {
		if !contains(available, part) {
			return fail("%q is not an available item", part)
		}
	}
	return pass()
}

func StringInList(candidate string, list []string) Result {
	if !contains(list, candidate) {
		return fail("%q is not in the list", candidate)
	}
	return pass()
}

func PositiveInteger(candidate int) Result {
	if candidate <= 0 {
		return fail("%d is not positive", candidate)
	}
	return pass()
}

// FloatInRange checks lo <= candidate <= hi.
func FloatInRange(candidate, lo, hi float64) Result {
	if candidate < lo || candidate > hi {
		return fail("%g is outside [%g, %g]", candidate, lo, hi)
	}
	return pass()
}

// IntMinimizesTuplesLengths passes when candidate is smaller than the length
// of every tuple.
func IntMinimizesTuplesLengths(candidate int, tuples [][]string) Result {
	shortest := math.MaxInt
	for _, t := range tuples {
		if len(t) < shortest {
			shortest = len(t)
		}
	}
	if candidate < shortest {
		return pass()
	}
	return fail("%d is not below the shortest tuple length %d", candidate, shortest)
}

// EachOne applies the named single-string test to every candidate and fails on
// the first candidate that fails.
func EachOne(test string, candidates []string) (Result, error) {
	fn, ok := Lookup(test)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTest, test)
	}
	for _, c := range candidates {
		if res := fn(c); !res.Pass {
			return res, nil
		}
	}
	return pass(), nil
}

// Run dispatches a test by name with command-line style arguments.
func Run(name string, args []string) (Result, error) {
	if fn, ok := Lookup(name); ok {
		if len(args) != 1 {
			return Result{}, fmt.Errorf("%w: %s takes one candidate", ErrBadArguments, name)
		}
		return fn(args[0]), nil
	}
	switch name {
	case "ExclamSeparatedItemsFromList", "StringInList":
		if len(args) < 1 {
			return Result{}, fmt.Errorf("%w: %s takes a candidate and a list", ErrBadArguments, name)
		}
		if name == "StringInList" {
			return StringInList(args[0], args[1:]), nil
		}
		return ExclamSeparatedItemsFromList(args[0], args[1:]), nil
	case "PositiveInteger":
		if len(args) != 1 {
			return Result{}, fmt.Errorf("%w: %s takes one integer", ErrBadArguments, name)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		return PositiveInteger(n), nil
	case "FloatInRange":
		if len(args) != 3 {
			return Result{}, fmt.Errorf("%w: %s takes value, low, high", ErrBadArguments, name)
		}
		var nums [3]float64
		for i, a := range args {
			v, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrBadArguments, err)
			}
			nums[i] = v
		}
		return FloatInRange(nums[0], nums[1], nums[2]), nil
	case "IntMinimizesTuplesLengths":
		if len(args) < 1 {
			return Result{}, fmt.Errorf("%w: %s takes an integer and tuples", ErrBadArguments, name)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
		tuples := make([][]string, 0, len(args)-1)
		for _, a := range args[1:] {
			tuples = append(tuples, strings.Split(a, ","))
		}
		return IntMinimizesTuplesLengths(n, tuples), nil
	case "EachOne":
		if len(args) < 1 {
			return Result{}, fmt.Errorf("%w: %s takes a test name and candidates", ErrBadArguments, name)
		}
		return EachOne(args[0], args[1:])
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnknownTest, name)
}

func allParts(candidate, sep string, test StringTest) Result {
	for _, part := range splitParts(candidate, sep) {
		if res := test(part); !res.Pass {
			return res
		}
	}
	return pass()
}

// splitParts drops trailing empty parts after a non-empty prefix: "1!!2!!"
// yields [1 2], while "" yields a single empty part.
func splitParts(s, sep string) []string {
	if s == "" {
		return []string{""}
	}
	parts := strings.Split(s, sep)
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
