package realtime

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"realtime_server/core/domain"
	"realtime_server/pkg/apperr"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const maxChannelNameLen = 128

// history is a fixed-capacity ring of the newest messages.
type history struct {
	buf   []*domain.Message
	start int
	size  int
}

func newHistory(limit int) *history {
	return &history{buf: make([]*domain.Message, limit)}
}

func (h *history) push(m *domain.Message) {
	if len(h.buf) == 0 {
		return
	}
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = m
		h.size++
		return
	}
	h.buf[h.start] = m
	h.start = (h.start + 1) % len(h.buf)
}

// last returns up to n newest messages, oldest first.
func (h *history) last(n int) []*domain.Message {
	if n > h.size {
		n = h.size
	}
	out := make([]*domain.Message, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

func (h *history) len() int { return h.size }

// channel is guarded by its own mutex; the directory lock only protects the
// name index.
type channel struct {
	cfg       domain.ChannelConfig
	dynamic   bool
	createdAt time.Time

	mu           sync.Mutex
	subscribers  map[string]*Connection
	history      *history
	messageCount int64
	lastActivity time.Time
	removed      bool
}

// userPresent reports whether another subscriber belongs to userID.
// Caller holds ch.mu.
func (ch *channel) userPresent(userID, exceptConn string) bool {
	for id, c := range ch.subscribers {
		if id != exceptConn && c.UserID() == userID {
			return true
		}
	}
	return false
}

func (ch *channel) stats() domain.ChannelStats {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	st := domain.ChannelStats{
		Channel:         ch.cfg.Name,
		Kind:            ch.cfg.Kind,
		SubscriberCount: len(ch.subscribers),
		MessageCount:    ch.messageCount,
	}
	if !ch.lastActivity.IsZero() {
		ms := ch.lastActivity.UnixMilli()
		st.LastActivity = &ms
	}
	return st
}

// DirectoryConfig controls lazy channel creation.
type DirectoryConfig struct {
	HistoryLimit    int
	DynamicPrefixes []string
	CreateRate      float64
	CreateBurst     int
	MaxChannels     int
}

// Directory owns channels and their history.
type Directory struct {
	mu       sync.RWMutex
	channels map[string]*channel

	cfg     DirectoryConfig
	limiter *rate.Limiter
	clock   clock.Clock
}

func NewDirectory(cfg DirectoryConfig, clk clock.Clock) *Directory {
	d := &Directory{
		channels: make(map[string]*channel),
		cfg:      cfg,
		clock:    clk,
	}
	if cfg.CreateRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.CreateRate), cfg.CreateBurst)
	}
	return d
}

// Define registers a well-known channel, replacing any previous policy.
func (d *Directory) Define(cfg domain.ChannelConfig) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = d.cfg.HistoryLimit
	}
	if cfg.RequiredPermissions == nil {
		cfg.RequiredPermissions = domain.NewPermissionSet()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.channels[cfg.Name]; ok {
		existing.mu.Lock()
		existing.cfg = cfg
		existing.dynamic = false
		existing.mu.Unlock()
		return
	}
	d.channels[cfg.Name] = d.newChannel(cfg, false)
}

func (d *Directory) newChannel(cfg domain.ChannelConfig, dynamic bool) *channel {
	return &channel{
		cfg:         cfg,
		dynamic:     dynamic,
		createdAt:   d.clock.Now(),
		subscribers: make(map[string]*Connection),
		history:     newHistory(cfg.HistoryLimit),
	}
}

func (d *Directory) lookup(name string) (*channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	return ch, ok
}

// Config returns the policy of an existing channel.
func (d *Directory) Config(name string) (domain.ChannelConfig, bool) {
	ch, ok := d.lookup(name)
	if !ok {
		return domain.ChannelConfig{}, false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.cfg, true
}

// ValidateName rejects names that cannot be used as channel keys.
func ValidateName(name string) error {
	if name == "" || len(name) > maxChannelNameLen {
		return apperr.InvalidMessage("channel name must be 1-128 characters")
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return apperr.InvalidMessage("channel name must not contain whitespace")
	}
	return nil
}

func (d *Directory) dynamicAllowed(name string) bool {
	for _, p := range d.cfg.DynamicPrefixes {
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			return true
		}
	}
	return false
}

// lookupOrCreate returns the channel, creating it as public when the name is
// on a dynamic prefix and both the rate limiter and channel cap admit it.
func (d *Directory) lookupOrCreate(name string) (*channel, error) {
	if ch, ok := d.lookup(name); ok {
		return ch, nil
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !d.dynamicAllowed(name) {
		return nil, apperr.AccessDenied(name).WithDetail("reason", "unknown channel")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ch, ok := d.channels[name]; ok {
		return ch, nil
	}
	if d.cfg.MaxChannels > 0 && len(d.channels) >= d.cfg.MaxChannels {
		return nil, apperr.RateLimited("channel creation").WithDetail("reason", "channel limit reached")
	}
	if d.limiter != nil && !d.limiter.Allow() {
		return nil, apperr.RateLimited("channel creation")
	}

	ch := d.newChannel(domain.ChannelConfig{
		Name:                name,
		Kind:                domain.ChannelPublic,
		RequiredPermissions: domain.NewPermissionSet(),
		HistoryLimit:        d.cfg.HistoryLimit,
	}, true)
	d.channels[name] = ch
	return ch, nil
}

// Authorize checks principal against the channel policy. requested are
// permissions the client asks to act with; they must be held too. Unknown
// channels are judged by the lazy-creation rules.
func (d *Directory) Authorize(p domain.Principal, name string, requested []string) error {
	cfg, ok := d.Config(name)
	if !ok {
		if err := ValidateName(name); err != nil {
			return err
		}
		if !d.dynamicAllowed(name) {
			return apperr.AccessDenied(name).WithDetail("reason", "unknown channel")
		}
		cfg = domain.ChannelConfig{Name: name, Kind: domain.ChannelPublic}
	}
	return authorize(p, cfg, requested)
}

func authorize(p domain.Principal, cfg domain.ChannelConfig, requested []string) error {
	if cfg.Kind != domain.ChannelPublic && !p.Authenticated() {
		return apperr.AccessDenied(cfg.Name).WithDetail("reason", "channel requires an identified user")
	}
	if len(requested) > 0 && !p.Permissions.Contains(domain.NewPermissionSet(requested...)) {
		return apperr.AccessDenied(cfg.Name).WithDetail("reason", "requested permissions not held")
	}
	if cfg.Kind == domain.ChannelPublic && len(cfg.RequiredPermissions) == 0 {
		return nil
	}
	if !p.Permissions.Contains(cfg.RequiredPermissions) {
		return apperr.AccessDenied(cfg.Name).WithDetail("required", cfg.RequiredPermissions.Slice())
	}
	return nil
}

func (d *Directory) Stats(name string) (domain.ChannelStats, bool) {
	ch, ok := d.lookup(name)
	if !ok {
		return domain.ChannelStats{}, false
	}
	return ch.stats(), true
}

func (d *Directory) all() []*channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := make([]*channel, 0, len(d.channels))
	for _, ch := range d.channels {
		list = append(list, ch)
	}
	return list
}

// AllStats returns stats for every channel, busiest first.
func (d *Directory) AllStats() []domain.ChannelStats {
	chans := d.all()
	stats := make([]domain.ChannelStats, 0, len(chans))
	for _, ch := range chans {
		stats = append(stats, ch.stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SubscriberCount != stats[j].SubscriberCount {
			return stats[i].SubscriberCount > stats[j].SubscriberCount
		}
		if stats[i].MessageCount != stats[j].MessageCount {
			return stats[i].MessageCount > stats[j].MessageCount
		}
		return stats[i].Channel < stats[j].Channel
	})
	return stats
}

func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels)
}

// History returns up to n newest messages of a channel, oldest first.
func (d *Directory) History(name string, n int) []*domain.Message {
	ch, ok := d.lookup(name)
	if !ok {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.history.last(n)
}

// Prune drops dynamic channels that have had no subscribers and no traffic
// since before cutoff.
func (d *Directory) Prune(idleFor time.Duration) int {
	cutoff := d.clock.Now().Add(-idleFor)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for name, ch := range d.channels {
		ch.mu.Lock()
		last := ch.lastActivity
		if last.IsZero() {
			last = ch.createdAt
		}
		idle := ch.dynamic && len(ch.subscribers) == 0 && last.Before(cutoff)
		if idle {
			ch.removed = true
		}
		ch.mu.Unlock()
		if idle {
			delete(d.channels, name)
			removed++
		}
	}
	return removed
}
