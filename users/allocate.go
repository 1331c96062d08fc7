package users

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dhcgn/mbox-to-discourse/model"
)

const (
	DefaultSuffixMin   = 1
	DefaultSuffixMax   = 100
	DefaultShortSuffix = "123"
	DefaultMinLength   = 3
)

var invalidUsernameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Allocator derives forum usernames and passwords for missing authors.
// The zero value uses the default limits and a randomly seeded source.
type Allocator struct {
	// Rand draws collision suffixes.
	Rand *rand.Rand
	// SuffixMin and SuffixMax bound collision suffixes to [SuffixMin, SuffixMax).
	SuffixMin int
	SuffixMax int
	// ShortSuffix is appended to usernames shorter than MinLength.
	ShortSuffix string
	MinLength   int
	// Entropy feeds password generation; nil means crypto/rand.
	Entropy io.Reader
	// Reserved usernames are already taken on the forum.
	Reserved []string
}

// NewAllocator returns an Allocator with default limits. A zero seed picks
// a random one.
func NewAllocator(seed uint64) *Allocator {
	return &Allocator{
		Rand:        newRand(seed),
		SuffixMin:   DefaultSuffixMin,
		SuffixMax:   DefaultSuffixMax,
		ShortSuffix: DefaultShortSuffix,
		MinLength:   DefaultMinLength,
	}
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		var b [8]byte
		_, _ = crand.Read(b[:])
		seed = binary.LittleEndian.Uint64(b[:])
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Candidate returns the username derived from the local part of email.
func Candidate(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return invalidUsernameChars.ReplaceAllString(local, "_")
}

// Allocate assigns a username and password to every missing email, in
// ascending email order. Candidates shared by several emails, or equal to
// a reserved username, get a random numeric suffix.
func (a *Allocator) Allocate(missing []string, authors model.AuthorDirectory) ([]model.MissingUser, error) {
	emails := append([]string(nil), missing...)
	sort.Strings(emails)

	counts := make(map[string]int, len(emails))
	for _, email := range emails {
		counts[strings.ToLower(Candidate(email))]++
	}

	used := make(map[string]bool, len(emails)+len(a.Reserved))
	for _, name := range a.Reserved {
		used[strings.ToLower(name)] = true
	}
	collides := func(candidate string) bool {
		key := strings.ToLower(candidate)
		return counts[key] > 1 || used[key]
	}

	dupProne := make(map[string]bool)
	for _, email := range emails {
		candidate := Candidate(email)
		if collides(candidate) {
			dupProne[email] = true
		}
	}
	for _, email := range emails {
		if !dupProne[email] {
			used[strings.ToLower(Candidate(email))] = true
		}
	}

	minLength, shortSuffix := a.MinLength, a.ShortSuffix
	if minLength == 0 && shortSuffix == "" {
		minLength, shortSuffix = DefaultMinLength, DefaultShortSuffix
	}

	out := make([]model.MissingUser, 0, len(emails))
	for _, email := range emails {
		name := Candidate(email)

		if dupProne[email] {
			var err error
			if name, err = a.suffixed(name, used); err != nil {
				return nil, err
			}
		}
		used[strings.ToLower(name)] = true

		if len(name) < minLength {
			name += shortSuffix
			if used[strings.ToLower(name)] {
				var err error
				if name, err = a.suffixed(name, used); err != nil {
					return nil, err
				}
			}
			used[strings.ToLower(name)] = true
		}

		password, err := a.password()
		if err != nil {
			return nil, fmt.Errorf("generate password for %s: %w", email, err)
		}

		out = append(out, model.MissingUser{
			Email:       email,
			DisplayName: authors[email],
			Username:    name,
			Password:    password,
		})
	}

	return out, nil
}

// suffixed draws suffixes without replacement until base+suffix is free.
func (a *Allocator) suffixed(base string, used map[string]bool) (string, error) {
	lo, hi := a.SuffixMin, a.SuffixMax
	if lo == 0 && hi == 0 {
		lo, hi = DefaultSuffixMin, DefaultSuffixMax
	}
	if a.Rand == nil {
		a.Rand = newRand(0)
	}

	var free []int
	for n := lo; n < hi; n++ {
		free = append(free, n)
	}

	for len(free) > 0 {
		i := a.Rand.IntN(len(free))
		n := free[i]
		free[i] = free[len(free)-1]
		free = free[:len(free)-1]

		name := base + strconv.Itoa(n)
		if !used[strings.ToLower(name)] {
			return name, nil
		}
	}

	return "", fmt.Errorf("%w: %q in [%d, %d)", model.ErrAllocationExhausted, base, lo, hi)
}

func (a *Allocator) password() (string, error) {
	var (
		u   uuid.UUID
		err error
	)
	if a.Entropy != nil {
		u, err = uuid.NewRandomFromReader(a.Entropy)
	} else {
		u, err = uuid.NewRandom()
	}
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(u.String(), "-", ""), nil
}
