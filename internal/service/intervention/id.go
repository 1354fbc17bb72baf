package intervention

import (
	"fmt"
	"sync/atomic"
)

// Generator issues intervention ids, unique for the life of the process.
type Generator struct {
	counter uint64
}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Next(botId string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-int-%d", botId, n)
}
