package realtime

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

var (
	aliasAdjectives = []string{"活力", "神秘", "勇敢", "快乐", "冷静", "机智", "可爱", "闪亮", "顽皮", "轻快"}
	aliasNouns      = []string{"狐狸", "鲸鱼", "猫头鹰", "野猫", "海豚", "蜻蜓", "斑马", "麋鹿", "飞鸟", "纸飞机"}
)

// Identity is a session's ephemeral display identity.
type Identity struct {
	Alias string
	Color string
}

// Assigner generates identities. Aliases are not unique across sessions; the
// numeric suffix only makes collisions less likely.
type Assigner struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewAssigner uses src for all randomness. A nil src gets a randomly seeded PCG.
func NewAssigner(src rand.Source) *Assigner {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Assigner{rnd: rand.New(src)}
}

// Assign returns a fresh alias of the form <adjective><noun>-<100..999> and a
// "#RRGGBB" color.
func (a *Assigner) Assign() Identity {
	a.mu.Lock()
	defer a.mu.Unlock()

	adj := aliasAdjectives[a.rnd.IntN(len(aliasAdjectives))]
	noun := aliasNouns[a.rnd.IntN(len(aliasNouns))]
	suffix := 100 + a.rnd.IntN(900)

	return Identity{
		Alias: fmt.Sprintf("%s%s-%d", adj, noun, suffix),
		Color: fmt.Sprintf("#%06X", a.rnd.IntN(1<<24)),
	}
}
