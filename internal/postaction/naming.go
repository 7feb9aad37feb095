package postaction

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Namer builds output file names (without extension).
//
// The default convention is <account>_<whole seconds>. The alternate
// convention mimics the names a messaging app gives saved videos:
// VID-YYYYMMDD-WA<nnnn>, numbered per day starting at 0001.
type Namer struct {
	now func() time.Time

	mu    sync.Mutex
	day   string
	count int
}

// NewNamer returns a Namer reading the clock from now, or time.Now.
func NewNamer(now func() time.Time) *Namer {
	if now == nil {
		now = time.Now
	}
	return &Namer{now: now}
}

// Name returns the output name for a video of the given length.
func (n *Namer) Name(account string, seconds float64, whatsapp bool) string {
	if whatsapp {
		return n.next()
	}
	return fmt.Sprintf("%s_%d", cleanAccount(account), wholeSeconds(seconds))
}

func (n *Namer) next() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	day := n.now().Format("20060102")
	if day != n.day {
		n.day = day
		n.count = 0
	}
	n.count++
	return fmt.Sprintf("VID-%s-WA%04d", day, n.count)
}

func wholeSeconds(s float64) int64 {
	if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 {
		return 0
	}
	return int64(math.Floor(s))
}

var accountReplacer = strings.NewReplacer("/", "_", `\`, "_", "\x00", "")

func cleanAccount(account string) string {
	account = strings.TrimSpace(accountReplacer.Replace(account))
	if account == "" || account == "." || account == ".." {
		return unknownAccount
	}
	return account
}
