// Package symcache memoises symbol offsets per loaded image, including the
// fact that a symbol is known to be missing.
package symcache

import (
	"fmt"
	"sync"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Absent is the offset stored for a symbol that was looked up and not found.
const Absent = ^uint64(0)

// DefaultSize is the number of symbols kept per image.
const DefaultSize = 1024

// Image identifies a loaded image. Header is its load address, UUID its
// LC_UUID in canonical form. Persistent entries are keyed by UUID only.
type Image struct {
	Header uintptr
	UUID   string
}

func (i Image) String() string {
	if i.UUID != "" {
		return i.UUID
	}
	return fmt.Sprintf("%#x", i.Header)
}

// LookupFunc finds name in an image. found is false when the image does not
// export it.
type LookupFunc func(name string) (offset uint64, found bool, err error)

type options struct {
	size  int
	store *Store
}

// Option configures New.
type Option func(*options)

// WithSize sets how many symbols are kept per image.
func WithSize(n int) Option {
	return func(o *options) {
		o.size = n
	}
}

// WithStore adds a persistent store behind the in-memory cache.
func WithStore(s *Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// Cache maps (image, symbol name) to an offset. It is safe for concurrent use.
type Cache struct {
	size  int
	store *Store
	group singleflight.Group

	mu     sync.Mutex
	images map[Image]*lru.Cache[string, uint64]
}

// New returns an empty cache.
func New(opts ...Option) (*Cache, error) {
	o := options{size: DefaultSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.size <= 0 {
		return nil, fmt.Errorf("symcache: size must be positive, got %d", o.size)
	}
	return &Cache{
		size:   o.size,
		store:  o.store,
		images: make(map[Image]*lru.Cache[string, uint64]),
	}, nil
}

func (c *Cache) image(img Image, create bool) *lru.Cache[string, uint64] {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.images[img]
	if !ok && create {
		// lru.New only fails for a non-positive size, which New rejects.
		l, _ = lru.New[string, uint64](c.size)
		c.images[img] = l
	}
	return l
}

// Get returns the cached offset of name in img. ok is false when nothing is
// cached; an offset of Absent with ok true means the symbol is known to be
// missing.
func (c *Cache) Get(name string, img Image) (offset uint64, ok bool) {
	if l := c.image(img, false); l != nil {
		if offset, ok = l.Get(name); ok {
			return offset, true
		}
	}
	if c.store == nil || img.UUID == "" {
		return 0, false
	}
	offset, ok, err := c.store.Get(img.UUID, name)
	if err != nil {
		log.WithError(err).WithField("symbol", name).Warn("symbol store read failed")
		return 0, false
	}
	if ok {
		c.image(img, true).Add(name, offset)
	}
	return offset, ok
}

// Save records offset for name in img. Save name with Absent to remember a
// failed lookup.
func (c *Cache) Save(name string, img Image, offset uint64) {
	c.image(img, true).Add(name, offset)
	if c.store == nil || img.UUID == "" {
		return
	}
	if err := c.store.Put(img.UUID, name, offset); err != nil {
		log.WithError(err).WithField("symbol", name).Warn("symbol store write failed")
	}
}

// Invalidate drops every in-memory entry of img, for when it is unloaded.
// Persistent entries stay, since they are tied to the image build.
func (c *Cache) Invalidate(img Image) {
	c.mu.Lock()
	delete(c.images, img)
	c.mu.Unlock()
}

// InvalidateHeader drops the in-memory entries of every image keyed at
// header and returns how many images it dropped. Use it when only the load
// address of an unloaded image is known.
func (c *Cache) InvalidateHeader(header uintptr) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for img := range c.images {
		if img.Header == header {
			delete(c.images, img)
			n++
		}
	}
	return n
}

// Len returns the number of in-memory entries for img.
func (c *Cache) Len(img Image) int {
	if l := c.image(img, false); l != nil {
		return l.Len()
	}
	return 0
}

// Resolve returns the offset of name in img, calling lookup on a miss.
// Concurrent misses for the same symbol share one lookup. found is false
// when the symbol is absent, whether just looked up or cached as such.
func (c *Cache) Resolve(name string, img Image, lookup LookupFunc) (offset uint64, found bool, err error) {
	if offset, ok := c.Get(name, img); ok {
		return offset, offset != Absent, nil
	}

	key := img.String() + "\x00" + name
	v, err, _ := c.group.Do(key, func() (any, error) {
		if offset, ok := c.Get(name, img); ok {
			return offset, nil
		}
		offset, found, err := lookup(name)
		if err != nil {
			return nil, err
		}
		if !found {
			offset = Absent
		}
		c.Save(name, img, offset)
		log.WithFields(log.Fields{
			"image":  img,
			"symbol": name,
			"found":  found,
		}).Debug("resolved symbol")
		return offset, nil
	})
	if err != nil {
		return 0, false, err
	}
	offset = v.(uint64)
	return offset, offset != Absent, nil
}
