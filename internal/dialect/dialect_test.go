package dialect

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"mysql", MySQL, false},
		{"MariaDB", MySQL, false},
		{"postgres", Postgres, false},
		{"postgresql", Postgres, false},
		{" pg ", Postgres, false},
		{"mssql", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		dialect  Dialect
		input    string
		expected string
	}{
		{"postgres simple", Postgres, "users", `"users"`},
		{"postgres with quote", Postgres, `user"name`, `"user""name"`},
		{"mysql simple", MySQL, "users", "`users`"},
		{"mysql with backtick", MySQL, "user`name", "`user``name`"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.dialect.QuoteIdentifier(tt.input)
			if got != tt.expected {
				t.Errorf("QuoteIdentifier(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestQuoteQualified(t *testing.T) {
	if got := MySQL.QuoteQualified("app.`users`"); got != "`app`.`users`" {
		t.Errorf("QuoteQualified = %q", got)
	}
	if got := Postgres.QuoteQualified(`"public".vw_users`); got != `"public"."vw_users"` {
		t.Errorf("QuoteQualified = %q", got)
	}
	if got := Postgres.QuoteQualified("users"); got != `"users"` {
		t.Errorf("QuoteQualified = %q", got)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := Postgres.Placeholders(3); got != "$1, $2, $3" {
		t.Errorf("Postgres.Placeholders(3) = %q", got)
	}
	if got := MySQL.Placeholders(2); got != "?, ?" {
		t.Errorf("MySQL.Placeholders(2) = %q", got)
	}
}

func TestSplitQualified(t *testing.T) {
	q := SplitQualified("`shop`.`Orders`")
	if q.Schema != "shop" || q.Name != "Orders" {
		t.Errorf("SplitQualified = %+v", q)
	}
	if got := BaseName(`"public"."VW_Users"`); got != "vw_users" {
		t.Errorf("BaseName = %q, want vw_users", got)
	}
}
