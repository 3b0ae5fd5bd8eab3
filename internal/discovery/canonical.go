package discovery

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"tradeloop-engine/internal/graph"
	"tradeloop-engine/internal/models"
)

// SchemaTag prefixes every canonical identifier so the format can evolve.
const SchemaTag = "loopv1"

// Canonicalize produces the rotation-invariant identifier of a cycle and
// the cycle rotated into its canonical starting point. Two loops share an
// identifier iff they have the same participant sequence up to rotation
// and identical NFT assignments per step.
func Canonicalize(steps []models.TradeStep) (string, []models.TradeStep) {
	k := len(steps)
	if k == 0 {
		return "", nil
	}

	best := -1
	var bestSer string
	for off := 0; off < k; off++ {
		ser := serializeRotation(steps, off)
		if best < 0 || ser < bestSer {
			best = off
			bestSer = ser
		}
	}

	rotated := make([]models.TradeStep, k)
	for i := 0; i < k; i++ {
		rotated[i] = steps[(best+i)%k]
	}
	id := fmt.Sprintf("%s:%016x", SchemaTag, xxhash.Sum64String(bestSer))
	return id, rotated
}

// serializeRotation joins wᵢ|nᵢ pairs with the reserved delimiter,
// starting from the given offset.
func serializeRotation(steps []models.TradeStep, off int) string {
	var b strings.Builder
	k := len(steps)
	for i := 0; i < k; i++ {
		s := steps[(off+i)%k]
		if i > 0 {
			b.WriteString(graph.Delimiter)
		}
		b.WriteString(s.From)
		b.WriteByte('|')
		b.WriteString(s.NFT)
	}
	return b.String()
}
