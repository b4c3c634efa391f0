package domain

import "testing"

func TestOrganizationFromCustomerCode(t *testing.T) {
	cases := []struct {
		code string
		want string
	}{
		{"BJ-HA-001-C0001", "BJ-HA-001"},
		{"SH-MC-002-C0199", "SH-MC-002"},
		{"C0001", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := OrganizationFromCustomerCode(tc.code); got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.code, got, tc.want)
		}
	}
}

func TestOrganizationFromOrderNumber(t *testing.T) {
	cases := []struct {
		order string
		want  string
	}{
		{"BJ-HA-001-ORD-20260115-0001", "BJ-HA-001"},
		{"-ORD-20260115-0001", ""},
		{"no-order", ""},
	}
	for _, tc := range cases {
		if got := OrganizationFromOrderNumber(tc.order); got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.order, got, tc.want)
		}
	}
}

func TestPartitionSuffix(t *testing.T) {
	if got := PartitionSuffix("BJ-HA-001"); got != "bj_ha_001" {
		t.Fatalf("got %q", got)
	}
}

func TestImportOrderPositions(t *testing.T) {
	if ImportOrder[0] != EntityOrganization {
		t.Fatalf("organizations must come first, got %s", ImportOrder[0])
	}
	if ImportOrder[len(ImportOrder)-1] != EntityTransaction {
		t.Fatalf("transactions must come last, got %s", ImportOrder[len(ImportOrder)-1])
	}
}

func TestPartitioned(t *testing.T) {
	if !EntityCustomer.Partitioned() || !EntityTransaction.Partitioned() {
		t.Fatal("customer and transaction types must be partitioned")
	}
	if EntityOrganization.Partitioned() || EntityCatalogItem.Partitioned() {
		t.Fatal("globally scoped types must not be partitioned")
	}
}
