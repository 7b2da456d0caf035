package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// accountTable is the top-level key holding account sections.
const accountTable = "account"

// knownGlobalKeys are the valid flat top-level keys in the config file.
var knownGlobalKeys = map[string]bool{
	// Logging
	"log_level": true, "log_format": true,
	// Cache
	"cache_dir": true, "max_cache_file_size": true, "metrics_textfile": true,
	// Network
	"connect_timeout": true, "user_agent": true,
	// Serve
	"listen": true, "upload_queue_depth": true,
	// Accounts
	"default_account": true, accountTable: true,
}

// knownAccountKeys are the valid keys inside an [account.<id>] table.
var knownAccountKeys = map[string]bool{
	"url": true, "auth": true, "username": true, "password": true,
	"client_cert": true, "client_key": true, "ca_file": true,
	"verify_certs": true, "protocol": true, "max_cache_file_size": true,
}

var (
	knownGlobalKeysList  = sortedKeys(knownGlobalKeys)
	knownAccountKeysList = sortedKeys(knownAccountKeys)
)

// sortedKeys returns the keys of m in sorted order, so suggestions are
// deterministic when two candidates have the same edit distance.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		// Unknown tables report their own name once, not every nested key.
		if len(key) >= 3 && key[0] == accountTable {
			if id := key[0] + "." + key[1] + "." + key[2]; !seen[id] {
				seen[id] = true
				errs = append(errs, accountKeyError(key[1], key[2]))
			}

			continue
		}

		if !seen[key[0]] {
			seen[key[0]] = true
			errs = append(errs, globalKeyError(key[0]))
		}
	}

	return errors.Join(errs...)
}

func globalKeyError(key string) error {
	if suggestion := closestMatch(key, knownGlobalKeysList); suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", key, suggestion)
	}

	return fmt.Errorf("unknown config key %q", key)
}

func accountKeyError(id, key string) error {
	if suggestion := closestMatch(key, knownAccountKeysList); suggestion != "" {
		return fmt.Errorf("unknown key %q in account %q, did you mean %q?", key, id, suggestion)
	}

	return fmt.Errorf("unknown key %q in account %q", key, id)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// two-row table.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
