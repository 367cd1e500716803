package engine

import "strings"

type OrderStatus string

const (
	StatusPicking   OrderStatus = "PICKING"
	StatusPicked    OrderStatus = "PICKED"
	StatusPacking   OrderStatus = "PACKING"
	StatusPacked    OrderStatus = "PACKED"
	StatusShipped   OrderStatus = "SHIPPED"
	StatusCancelled OrderStatus = "CANCELLED"
)

type ItemStatus string

const (
	ItemPending ItemStatus = "PENDING"
	ItemSkipped ItemStatus = "SKIPPED"
)

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type Item struct {
	ID               string     `json:"id"`
	SKU              string     `json:"sku"`
	Barcode          string     `json:"barcode,omitempty"`
	Name             string     `json:"name,omitempty"`
	Quantity         int        `json:"quantity"`
	VerifiedQuantity int        `json:"verified_quantity"`
	Status           ItemStatus `json:"status"`
	SkipReason       string     `json:"skip_reason,omitempty"`
}

// Complete reports whether every unit of the item has been verified.
func (i Item) Complete() bool { return i.VerifiedQuantity >= i.Quantity }

func (i Item) Skipped() bool { return i.Status == ItemSkipped }

// Order is the client's copy of a backend order record. Version increases
// with every server-side mutation.
type Order struct {
	ID          string      `json:"id"`
	CustomerRef string      `json:"customer_ref"`
	Status      OrderStatus `json:"status"`
	ClaimedBy   string      `json:"claimed_by,omitempty"`
	Items       []Item      `json:"items"`
	ShipFrom    Address     `json:"ship_from"`
	ShipTo      Address     `json:"ship_to"`
	Version     int         `json:"version"`
}

// Clone returns a copy that shares no item storage with o.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]Item(nil), o.Items...)
	return c
}

func (o Order) ItemIndex(itemID string) int {
	for idx, it := range o.Items {
		if it.ID == itemID {
			return idx
		}
	}
	return -1
}

// Identity is the acting worker. It is passed explicitly into every
// coordinator operation.
type Identity struct {
	WorkerID   string
	Supervisor bool
}

type ClaimState string

const (
	ClaimUnclaimed    ClaimState = "UNCLAIMED"
	ClaimOwnedByMe    ClaimState = "OWNED_BY_ME"
	ClaimOwnedByOther ClaimState = "OWNED_BY_OTHER"
	ClaimViewOnly     ClaimState = "VIEW_ONLY"
)

func IsTerminal(s OrderStatus) bool {
	switch s {
	case StatusPacked, StatusShipped, StatusCancelled:
		return true
	}
	return false
}

// ExpectedToken is what a scan must equal for the item: the barcode when the
// item carries one, otherwise the sku.
func ExpectedToken(it Item) string {
	if it.Barcode != "" {
		return it.Barcode
	}
	return it.SKU
}

// MatchScan validates a scanned token against the item identity.
func MatchScan(it Item, token string) error {
	scanned := strings.TrimSpace(token)
	want := ExpectedToken(it)
	if scanned == "" || scanned != want {
		return &ScanMismatchError{ItemID: it.ID, Expected: want, Actual: scanned}
	}
	return nil
}
