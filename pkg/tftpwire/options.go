package tftpwire

import (
	"strconv"
	"strings"
)

const (
	OptionBlockSize = "blksize"

	DefaultBlockSize = 512
	MinBlockSize     = 512
	// MaxBlockSize keeps a DATA packet inside an Ethernet frame once IP and
	// UDP headers are added.
	MaxBlockSize = 1432
)

// ParseOptions scans the option area of a request into a name → value map.
// Names are folded to lower case; a repeated option keeps its last value.
func ParseOptions(src []byte) map[string]string {
	pairs, _ := readOptions(src, 0)
	opts := make(map[string]string, len(pairs))
	for _, p := range pairs {
		opts[strings.ToLower(p.Name)] = p.Value
	}
	return opts
}

// EffectiveBlockSize resolves the blksize option. Non-numeric or absent values
// count as 0; the result is clamped to [MinBlockSize, MaxBlockSize].
func EffectiveBlockSize(opts map[string]string) int {
	return ClampBlockSize(atoi(opts[OptionBlockSize]))
}

func ClampBlockSize(n int) int {
	if n < MinBlockSize {
		return MinBlockSize
	}
	if n > MaxBlockSize {
		return MaxBlockSize
	}
	return n
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
