package database

import "testing"

func TestRowsAccessors(t *testing.T) {
	rows := NewRows([]string{"View", "Create View"},
		[]*string{Str("vw_users"), Str("CREATE ALGORITHM=MERGE VIEW ...")},
		[]*string{Str("vw_orders"), nil},
	)

	if rows.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", rows.Len())
	}
	if v, ok := rows.Scalar(); !ok || v != "vw_users" {
		t.Errorf("Scalar() = %q, %v", v, ok)
	}
	if got := rows.Column(1); len(got) != 1 {
		t.Errorf("Column(1) = %v, want one non-NULL value", got)
	}
	if v, ok := rows.Get(0, "create view"); !ok || v != "CREATE ALGORITHM=MERGE VIEW ..." {
		t.Errorf("Get(0, create view) = %q, %v", v, ok)
	}
	if _, ok := rows.Get(1, "Create View"); ok {
		t.Error("Get on NULL value should report !ok")
	}
	if _, ok := rows.Get(5, "View"); ok {
		t.Error("Get past the end should report !ok")
	}
}

func TestRowsNil(t *testing.T) {
	var rows *Rows
	if rows.Len() != 0 {
		t.Error("nil Rows should have length 0")
	}
	if _, ok := rows.Scalar(); ok {
		t.Error("nil Rows Scalar should report !ok")
	}
	if got := rows.Column(0); len(got) != 0 {
		t.Errorf("nil Rows Column = %v", got)
	}
}

func TestParseServerVersion(t *testing.T) {
	tests := []struct {
		raw     string
		mariadb bool
		want    string
	}{
		{"8.0.36", false, "8.0.36"},
		{"8.0.19-log", false, "8.0.19"},
		{"10.4.32-MariaDB", true, "10.4.32"},
		{"5.5.5-10.11.6-MariaDB-log", true, "10.11.6"},
		{"16.2 (Debian 16.2-1.pgdg120+2)", false, "16.2.0"},
		{"PostgreSQL 15.4 on x86_64-pc-linux-gnu", false, "15.4.0"},
		{"garbage", false, "0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseServerVersion(tt.raw)
			if got.MariaDB != tt.mariadb {
				t.Errorf("MariaDB = %v, want %v", got.MariaDB, tt.mariadb)
			}
			if got.Version.String() != tt.want {
				t.Errorf("Version = %s, want %s", got.Version, tt.want)
			}
		})
	}

	if !ParseServerVersion("8.0.20").AtLeast(8, 0, 20) {
		t.Error("8.0.20 should be at least 8.0.20")
	}
	if ParseServerVersion("10.4.32-MariaDB").AtLeast(10, 5, 0) {
		t.Error("10.4.32 should be below 10.5")
	}
}

func TestTextValue(t *testing.T) {
	tests := []struct {
		in    any
		want  string
		valid bool
	}{
		{nil, "", false},
		{"x", "x", true},
		{[]byte("abc"), "abc", true},
		{true, "true", true},
		{int64(1), "1", true},
		{int32(0), "0", true},
	}
	for _, tt := range tests {
		got := TextValue(tt.in)
		if got.String != tt.want || got.Valid != tt.valid {
			t.Errorf("TextValue(%v) = %+v, want %q valid=%v", tt.in, got, tt.want, tt.valid)
		}
	}
}
