package chunkgraph

import (
	"fmt"
	"strings"
)

// Chunk is a node in the computation DAG: an identity plus the operand
// that produces it. Several chunks may share one operand (see Operand).
type Chunk struct {
	Key string
	Op  Operand
}

const mapperKeySep = "\x00mapper\x00"

// MapperKey builds the data key for the idx'th mapper output of a shuffle
// produced under base. Python represents these as tuple-shaped keys
// (base_key, idx); Go strings can't carry that shape natively, so a
// reserved separator plays the same "this is not an ordinary data key"
// role that IsMapperKey tests for.
func MapperKey(base string, idx int) string {
	return fmt.Sprintf("%s%s%d", base, mapperKeySep, idx)
}

// IsMapperKey reports whether key was produced by MapperKey.
func IsMapperKey(key string) bool {
	return strings.Contains(key, mapperKeySep)
}

// ChunkKeyToDataKeys maps every chunk's logical key to the physical data
// key(s) backing it: one-to-one for ordinary chunks, one-to-many for a
// shuffle chunk whose mapper keys are scattered across storage.
func ChunkKeyToDataKeys(g *Graph) map[string][]string {
	out := make(map[string][]string, len(g.Chunks()))
	for _, c := range g.Chunks() {
		if shuffle, ok := c.Op.(*FetchShuffleOperand); ok {
			keys := make([]string, len(shuffle.MapperKeys))
			copy(keys, shuffle.MapperKeys)
			out[c.Key] = keys
			continue
		}
		out[c.Key] = []string{c.Key}
	}
	return out
}
