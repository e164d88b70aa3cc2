package realtime

import (
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// canonical field keys (see CanonicalKey)
const (
	KeyId        = "id"
	KeyListId    = "listId"
	KeyName      = "name"
	KeyQuantity  = "quantity"
	KeyIsChecked = "isChecked"
	KeyPrice     = "price"
	KeySortOrder = "sortOrder"
	KeyCategory  = "category"
	KeyAddedBy   = "addedBy"
)

const UncategorizedId = "uncategorized"

type Category struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// the sentinel stands in for an absent category relation so that consumers
// never branch on null
func Uncategorized() *Category {
	return &Category{
		Id:   UncategorizedId,
		Name: "Uncategorized",
	}
}

func (self *Category) IsUncategorized() bool {
	return self.Id == UncategorizedId
}

type UserRef struct {
	Id        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarUrl string `json:"avatarUrl,omitempty"`
}

// ListItem is the typed view of one cached record. The full canonical bag is
// retained alongside the typed fields so forward-compatible keys survive a
// round trip through the cache.
type ListItem struct {
	Id        string
	Name      string
	Quantity  float64
	IsChecked bool
	Price     float64
	SortOrder float64
	// never nil once normalized. Uncategorized() when the relation is absent
	Category *Category
	// nil when the relation is absent
	AddedBy *UserRef

	fields map[string]any
}

func (self *ListItem) Field(key string) (any, bool) {
	value, ok := self.fields[key]
	return value, ok
}

func (self *ListItem) Fields() map[string]any {
	return cloneBag(self.fields)
}

func itemFromRecord(record map[string]any) ListItem {
	item := ListItem{
		Id:        bagString(record, KeyId),
		Name:      bagString(record, KeyName),
		Quantity:  bagFloat(record, KeyQuantity),
		IsChecked: bagBool(record, KeyIsChecked),
		Price:     bagFloat(record, KeyPrice),
		SortOrder: bagFloat(record, KeySortOrder),
		fields:    cloneBag(record),
	}

	if categoryBag, ok := record[KeyCategory].(map[string]any); ok {
		item.Category = &Category{
			Id:    bagString(categoryBag, "id"),
			Name:  bagString(categoryBag, "name"),
			Color: bagString(categoryBag, "color"),
		}
	} else {
		item.Category = Uncategorized()
	}

	if addedByBag, ok := record[KeyAddedBy].(map[string]any); ok {
		item.AddedBy = &UserRef{
			Id:        bagString(addedByBag, "id"),
			Name:      bagString(addedByBag, "name"),
			Email:     bagString(addedByBag, "email"),
			AvatarUrl: bagString(addedByBag, "avatarUrl"),
		}
	}

	return item
}

func bagString(bag map[string]any, key string) string {
	switch v := bag[key].(type) {
	case string:
		return v
	default:
		return stringId(bag[key])
	}
}

func bagFloat(bag map[string]any, key string) float64 {
	switch v := bag[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return 0
}

func bagBool(bag map[string]any, key string) bool {
	switch v := bag[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "t" || v == "1"
	case float64:
		return v != 0
	}
	return false
}

// ListCache is the client-held materialized view of one list's items.
// It holds exactly one record per item id. The owning reconciler is the only
// writer of feed state; consumers read snapshots and may stage optimistic
// local edits through the Speculate operations, which run through the same
// merge path as the reducer so a later server echo converges idempotently.
type ListCache struct {
	listId string

	stateLock sync.Mutex
	// item ids in arrival order
	order []string
	// item id -> canonical field bag
	records map[string]map[string]any

	updateMonitor *Monitor
}

func NewListCache(listId string) *ListCache {
	return &ListCache{
		listId:        listId,
		order:         []string{},
		records:       map[string]map[string]any{},
		updateMonitor: NewMonitor(),
	}
}

func (self *ListCache) ListId() string {
	return self.listId
}

// the monitor notifies after every successful mutation.
// consumers re-read the latest snapshot rather than diffing
func (self *ListCache) UpdateMonitor() *Monitor {
	return self.updateMonitor
}

func (self *ListCache) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.order)
}

func (self *ListCache) Get(itemId string) (ListItem, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.records[itemId]
	if !ok {
		return ListItem{}, false
	}
	return itemFromRecord(record), true
}

// Items returns a snapshot in arrival order
func (self *ListCache) Items() []ListItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := make([]ListItem, 0, len(self.order))
	for _, itemId := range self.order {
		items = append(items, itemFromRecord(self.records[itemId]))
	}
	return items
}

// SortedItems returns a snapshot in display order (sort position, then name)
func (self *ListCache) SortedItems() []ListItem {
	items := self.Items()
	slices.SortStableFunc(items, func(a ListItem, b ListItem) int {
		if a.SortOrder < b.SortOrder {
			return -1
		} else if b.SortOrder < a.SortOrder {
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return items
}

// upsert merges the incoming canonical fields over the cached record,
// appending a new record when the id is unknown. Only keys present in the
// incoming bag are written, so a payload that omits a relation leaves the
// cached relation untouched. A key present with a nil value is an intentional
// clear. Returns true when the cache changed.
func (self *ListCache) upsert(itemId string, fields map[string]any) bool {
	if itemId == "" {
		return false
	}

	self.stateLock.Lock()
	record, ok := self.records[itemId]
	if !ok {
		record = map[string]any{}
		self.records[itemId] = record
		self.order = append(self.order, itemId)
	}
	for key, value := range fields {
		if value == nil {
			delete(record, key)
			continue
		}
		record[key] = value
	}
	record[KeyId] = itemId
	normalizeRelations(record)
	self.stateLock.Unlock()

	self.updateMonitor.NotifyAll()
	return true
}

// remove deletes the record when present. Absence is already converged
func (self *ListCache) remove(itemId string) bool {
	self.stateLock.Lock()
	_, ok := self.records[itemId]
	if !ok {
		self.stateLock.Unlock()
		return false
	}
	delete(self.records, itemId)
	if i := slices.Index(self.order, itemId); 0 <= i {
		self.order = slices.Delete(self.order, i, i+1)
	}
	self.stateLock.Unlock()

	self.updateMonitor.NotifyAll()
	return true
}

// reset replaces the whole cache, for the externally driven full refresh
func (self *ListCache) reset(bags []map[string]any) {
	self.stateLock.Lock()
	self.order = []string{}
	self.records = map[string]map[string]any{}
	for _, bag := range bags {
		itemId := bagId(bag)
		if itemId == "" {
			continue
		}
		if _, ok := self.records[itemId]; !ok {
			self.order = append(self.order, itemId)
		}
		record := cloneBag(bag)
		record[KeyId] = itemId
		normalizeRelations(record)
		self.records[itemId] = record
	}
	self.stateLock.Unlock()

	self.updateMonitor.NotifyAll()
}

// SpeculateInsert stages an optimistic local insert before the server echo.
// Pass the record id when it is known; otherwise a local id is minted and the
// caller is expected to reconcile via a full refresh once the server assigns
// the durable id.
func (self *ListCache) SpeculateInsert(fields map[string]any) string {
	canonical := CanonicalizeBag(fields)
	itemId := bagId(canonical)
	if itemId == "" {
		itemId = NewId().String()
	}
	self.upsert(itemId, canonical)
	return itemId
}

// SpeculateUpdate stages an optimistic local partial update
func (self *ListCache) SpeculateUpdate(itemId string, fields map[string]any) bool {
	if itemId == "" {
		return false
	}
	return self.upsert(itemId, CanonicalizeBag(fields))
}

// SpeculateDelete stages an optimistic local delete
func (self *ListCache) SpeculateDelete(itemId string) bool {
	return self.remove(itemId)
}

// must be called with `stateLock`
func normalizeRelations(record map[string]any) {
	if _, ok := record[KeyCategory].(map[string]any); !ok {
		record[KeyCategory] = map[string]any{
			"id":   UncategorizedId,
			"name": "Uncategorized",
		}
	}
}
