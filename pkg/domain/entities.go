// Package domain defines the persistent entities, operation envelopes, and
// store contracts shared by the Revisit synchronization engine and its
// storage adapters.
package domain

import (
	"strings"
)

// EntityType identifies the type of record carried by a batch and stored in
// the primary store.
type EntityType string

// Supported entity type identifiers used in batches, change records and
// persistence tables.
const (
	// EntityOrganization identifies a clinic or business unit; the root
	// partition key for all organization-scoped data.
	EntityOrganization EntityType = "organization"
	// EntityPractitioner identifies a doctor record, owned by an
	// organization or globally scoped when no owner is set.
	EntityPractitioner EntityType = "practitioner"
	// EntityCatalogItem identifies a service project or retail product.
	EntityCatalogItem EntityType = "catalog_item"
	// EntityRelation identifies an association between two catalog
	// entities; it materializes only as graph edges.
	EntityRelation EntityType = "relation"
	// EntityCustomer identifies an organization-scoped customer record.
	EntityCustomer EntityType = "customer"
	// EntityTransaction identifies a consumption (order) record.
	EntityTransaction EntityType = "transaction_record"
)

// ImportOrder is the fixed dependency order in which entity-type groups are
// applied: referenced types always precede referencing ones. The order is
// static and known in advance, so it is a stage list rather than a
// dependency graph solved at runtime.
var ImportOrder = []EntityType{
	EntityOrganization,
	EntityPractitioner,
	EntityCatalogItem,
	EntityRelation,
	EntityCustomer,
	EntityTransaction,
}

// Partitioned reports whether rows of the entity type live in
// per-organization partitions of the primary store.
func (t EntityType) Partitioned() bool {
	return t == EntityCustomer || t == EntityTransaction
}

// EntityStatus enumerates the activity states shared by organizations,
// practitioners and customers.
type EntityStatus string

// Canonical entity statuses.
const (
	StatusActive   EntityStatus = "ACTIVE"
	StatusInactive EntityStatus = "INACTIVE"
)

// VIPLevel enumerates customer classification tiers.
type VIPLevel string

// Customer tiers in ascending order of standing.
const (
	VIPNormal   VIPLevel = "NORMAL"
	VIPSilver   VIPLevel = "SILVER"
	VIPGold     VIPLevel = "GOLD"
	VIPPlatinum VIPLevel = "PLATINUM"
)

// CatalogKind distinguishes service projects from retail products within the
// unified catalog.
type CatalogKind string

// Catalog item kinds.
const (
	CatalogProject CatalogKind = "PROJECT"
	CatalogProduct CatalogKind = "PRODUCT"
)

// Organization is a clinic or business unit. It is the root of partitioning:
// it must exist before any dependent row referencing its code is written.
type Organization struct {
	Code   string       `json:"institution_code"`
	Name   string       `json:"name"`
	Alias  string       `json:"alias,omitempty"`
	Type   string       `json:"type,omitempty"`
	Status EntityStatus `json:"status,omitempty"`
}

// Practitioner is a doctor. An empty OrganizationCode means common scope.
type Practitioner struct {
	Code             string   `json:"doctor_code"`
	Name             string   `json:"name"`
	Gender           string   `json:"gender,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	OrganizationCode string   `json:"institution_code,omitempty"`
	Title            string   `json:"title,omitempty"`
	Specialty        []string `json:"specialty,omitempty"`
	Introduction     string   `json:"introduction,omitempty"`
}

// CatalogItem is a service project or retail product referenced by
// transaction line items and relation records.
type CatalogItem struct {
	Code              string      `json:"item_code"`
	Kind              CatalogKind `json:"kind"`
	Name              string      `json:"name"`
	Brand             string      `json:"brand,omitempty"`
	Category          string      `json:"category,omitempty"`
	BodyPart          string      `json:"body_part,omitempty"`
	RiskLevel         int         `json:"risk_level,omitempty"`
	Unit              string      `json:"unit,omitempty"`
	Price             float64     `json:"price,omitempty"`
	Indications       string      `json:"indications,omitempty"`
	Contraindications string      `json:"contraindications,omitempty"`
	Description       string      `json:"description,omitempty"`
}

// PersonProfile is the embedded natural-person portion of a Customer.
type PersonProfile struct {
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Birthday string `json:"birthday,omitempty"`
}

// Customer is an organization-scoped customer. Tags and notes are the most
// frequently patched fields. Deleted customers are tombstoned, never purged,
// so transaction history stays referentially intact.
type Customer struct {
	Code             string        `json:"customer_code"`
	Person           PersonProfile `json:"person"`
	VIPLevel         VIPLevel      `json:"vip_level,omitempty"`
	Status           EntityStatus  `json:"status,omitempty"`
	SourceChannel    string        `json:"source_channel,omitempty"`
	Tags             []string      `json:"tags,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	PractitionerCode string        `json:"doctor_code,omitempty"`
	ReferrerCode     string        `json:"referrer_code,omitempty"`
	FirstVisitDate   string        `json:"first_visit_date,omitempty"`
	LastVisitDate    string        `json:"last_visit_date,omitempty"`
	ConsumptionCount int           `json:"consumption_count,omitempty"`
	TotalConsumption float64       `json:"total_consumption,omitempty"`
	Deleted          bool          `json:"deleted,omitempty"`
}

// LineItem is one ordered position within a transaction record.
type LineItem struct {
	ItemCode    string  `json:"item_code"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Discount    float64 `json:"discount,omitempty"`
	ActualPrice float64 `json:"actual_price"`
}

// TransactionRecord is an append-mostly consumption record. Once accepted it
// is immutable except for the terminal Voided flag; it is never partially
// deleted.
type TransactionRecord struct {
	OrderNumber      string     `json:"order_number"`
	CustomerCode     string     `json:"customer_code"`
	PractitionerCode string     `json:"doctor_code,omitempty"`
	OrderDate        string     `json:"order_date"`
	OrderType        string     `json:"order_type,omitempty"`
	Items            []LineItem `json:"items,omitempty"`
	TotalAmount      float64    `json:"total_amount"`
	DiscountAmount   float64    `json:"discount_amount,omitempty"`
	ActualAmount     float64    `json:"actual_amount"`
	PaymentMethod    string     `json:"payment_method,omitempty"`
	PaymentStatus    string     `json:"payment_status,omitempty"`
	Voided           bool       `json:"voided,omitempty"`
}

// RelationRecord declares an association between two catalog entities. It is
// consumed only by the graph store as an edge.
type RelationRecord struct {
	SourceCode string  `json:"source_code"`
	TargetCode string  `json:"target_code"`
	Relation   string  `json:"relation"`
	Weight     float64 `json:"weight,omitempty"`
}

// OrganizationFromCustomerCode derives the owning organization code from a
// customer code of the form BJ-HA-001-C0001.
func OrganizationFromCustomerCode(code string) string {
	idx := strings.LastIndex(code, "-C")
	if idx <= 0 {
		return ""
	}
	return code[:idx]
}

// OrganizationFromOrderNumber derives the owning organization code from an
// order number of the form BJ-HA-001-ORD-20260115-0001.
func OrganizationFromOrderNumber(order string) string {
	idx := strings.Index(order, "-ORD")
	if idx <= 0 {
		return ""
	}
	return order[:idx]
}

// PartitionSuffix converts an organization code into the suffix used for its
// partitioned tables: lowercased, dashes replaced by underscores.
func PartitionSuffix(orgCode string) string {
	return strings.ReplaceAll(strings.ToLower(orgCode), "-", "_")
}
