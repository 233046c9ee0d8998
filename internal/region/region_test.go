package region

import (
	"regexp"
	"strings"
	"testing"
)

var fiftyStates = []string{
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA",
	"HI", "ID", "IL", "IN", "IA", "KS", "KY", "LA", "ME", "MD",
	"MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV", "NH", "NJ",
	"NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI", "SC",
	"SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY",
}

func TestOf(t *testing.T) {
	tests := []struct {
		state string
		want  Region
	}{
		{"NY", Northeast},
		{"CA", West},
		{"TX", Southeast},
		{"FL", Southeast},
		{"IL", Midwest},
		{"DC", Southeast},
		{"ny", Northeast},
		{" ca ", West},
		{"NY\t", Northeast},
		{"\r\nCA", West},
		{"", Unknown},
		{"ZZ", Unknown},
		{"PR", Unknown},
		{"New York", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := Of(tt.state); got != tt.want {
				t.Errorf("Of(%q) = %s, want %s", tt.state, got, tt.want)
			}
		})
	}
}

func TestOf_Totality(t *testing.T) {
	valid := map[Region]bool{}
	for _, r := range All() {
		valid[r] = true
	}

	for _, s := range fiftyStates {
		r := Of(s)
		if !valid[r] {
			t.Errorf("Of(%q) returned %q, not a known region", s, r)
		}
		if r == Unknown {
			t.Errorf("Of(%q) = Unknown, every US state should map to a region", s)
		}
	}

	for _, s := range []string{"XX", "00", "??", "usa"} {
		if got := Of(s); got != Unknown {
			t.Errorf("Of(%q) = %s, want Unknown", s, got)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		cached string
		state  string
		want   Region
	}{
		{"cached wins", "West", "NY", West},
		{"empty cache recomputes", "", "NY", Northeast},
		{"garbage cache recomputes", "Pacific", "NY", Northeast},
		{"cached unknown kept", "Unknown", "NY", Unknown},
		{"nothing at all", "", "", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.cached, tt.state); got != tt.want {
				t.Errorf("Resolve(%q, %q) = %s, want %s", tt.cached, tt.state, got, tt.want)
			}
		})
	}
}

var (
	whenClause = regexp.MustCompile(`WHEN UPPER\(BTRIM\(state, E'([^']*)'\)\) IN \(([^)]*)\) THEN '([A-Za-z]+)'`)
	sqlEscapes = strings.NewReplacer(`\t`, "\t", `\n`, "\n", `\r`, "\r")
)

// The rendered SQL must agree with Of on every code, including the ones that
// fall through to the ELSE branch.
func TestSQLCase_AgreesWithOf(t *testing.T) {
	expr := SQLCase("state")

	if !strings.HasPrefix(expr, "CASE WHEN") || !strings.HasSuffix(expr, "ELSE 'Unknown' END") {
		t.Fatalf("unexpected CASE shape: %s", expr)
	}

	sqlMapping := map[string]Region{}
	var trimSet string
	for _, m := range whenClause.FindAllStringSubmatch(expr, -1) {
		trimSet = sqlEscapes.Replace(m[1])
		for _, code := range strings.Split(m[2], ",") {
			code = strings.Trim(code, "'")
			if prev, dup := sqlMapping[code]; dup {
				t.Errorf("code %s appears twice (%s and %s)", code, prev, m[3])
			}
			sqlMapping[code] = Region(m[3])
		}
	}

	if len(sqlMapping) != len(States()) {
		t.Errorf("SQL maps %d codes, table has %d", len(sqlMapping), len(States()))
	}
	if trimSet == "" {
		t.Fatal("CASE does not trim the column")
	}

	// Evaluates the CASE the way Postgres does: BTRIM with the rendered
	// character set, then an exact IN match.
	sqlOf := func(state string) Region {
		if r, ok := sqlMapping[strings.ToUpper(strings.Trim(state, trimSet))]; ok {
			return r
		}
		return Unknown
	}

	inputs := append(States(), "ZZ", "", "ny", " NY ", "NY\t", "\nCA", "\r\nTX\r\n", "\tOK ", "N Y", "NY\u00a0", "\u3000CA")
	for _, code := range inputs {
		if got, want := sqlOf(code), Of(code); got != want {
			t.Errorf("code %q: SQL says %s, Of says %s", code, got, want)
		}
	}

	// Non-ASCII spaces are not stripped by either side.
	if Of("NY\u00a0") != Unknown {
		t.Errorf("Of(NY+NBSP) = %s, want Unknown", Of("NY\u00a0"))
	}
}

func TestIsKnownState(t *testing.T) {
	if !IsKnownState("wa") {
		t.Error("expected wa to be known")
	}
	if IsKnownState("GU") {
		t.Error("expected GU to be unknown")
	}
}

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want Device
	}{
		{"ipad is tablet", `"Mozilla/5.0 (iPad; CPU OS 7_1_2 like Mac OS X)"`, DeviceTablet},
		{"android tablet is tablet", "Mozilla/5.0 (Linux; Android 9; Tablet)", DeviceTablet},
		{"iphone is mobile", "Mozilla/5.0 (iPhone; CPU iPhone OS 7_1_2 like Mac OS X)", DeviceMobile},
		{"android phone is mobile", "Mozilla/5.0 (Linux; Android 4.4.2; Nexus 5)", DeviceMobile},
		{"windows is desktop", "Mozilla/5.0 (Windows NT 6.1; WOW64)", DeviceDesktop},
		{"mac is desktop", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_9_4)", DeviceDesktop},
		{"x11 linux is desktop", "Mozilla/5.0 (X11; Linux x86_64)", DeviceDesktop},
		{"empty is unknown", "", DeviceUnknown},
		{"bot is unknown", "curl/8.0", DeviceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyDevice(tt.ua); got != tt.want {
				t.Errorf("ClassifyDevice(%q) = %s, want %s", tt.ua, got, tt.want)
			}
		})
	}
}

func TestDeviceValid(t *testing.T) {
	for _, d := range []Device{DeviceTablet, DeviceMobile, DeviceDesktop, DeviceUnknown} {
		if !d.Valid() {
			t.Errorf("%q should be valid", d)
		}
	}
	for _, d := range []Device{"", "phone", "Mobile"} {
		if d.Valid() {
			t.Errorf("%q should not be valid", d)
		}
	}
}
