package clickhouse

import "testing"

func TestInsertStatement(t *testing.T) {
	got := insertStatement("dim_institution", tableColumns["dim_institution"])
	want := "INSERT INTO dim_institution (institution_code, name, type)"
	if got != want {
		t.Fatalf("statement = %q, want %q", got, want)
	}
}

func TestColumnValueCoercion(t *testing.T) {
	cases := []struct {
		column string
		in     any
		want   any
	}{
		{"amount", 450.5, 450.5},
		{"amount", nil, 0.0},
		{"price", "oops", 0.0},
		{"quantity", 2, int32(2)},
		{"quantity", float64(3), int32(3)},
		{"quantity", nil, int32(0)},
		{"voided", true, uint8(1)},
		{"voided", nil, uint8(0)},
		{"deleted", false, uint8(0)},
		{"name", "Li Na", "Li Na"},
		{"name", nil, ""},
	}
	for _, tc := range cases {
		if got := columnValue(tc.column, tc.in); got != tc.want {
			t.Errorf("columnValue(%s, %v) = %v (%T), want %v (%T)",
				tc.column, tc.in, got, got, tc.want, tc.want)
		}
	}
}

func TestEveryTableHasColumnOrder(t *testing.T) {
	for table, columns := range tableColumns {
		if len(columns) == 0 {
			t.Fatalf("table %s has no column order", table)
		}
	}
}
