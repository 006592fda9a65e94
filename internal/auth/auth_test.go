package auth

import "testing"

func TestBearerMatches(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"Bearer tok", true},
		{"bearer    tok", true},
		{"BEARER tok", true},
		{"  Bearer tok  ", true},
		{"Bearer \"tok\"", false},
		{"Bearer tok,", false},
		{"tok", false},
		{"Bearer nope", false},
		{"Basic tok", false},
		{"nearlytok", false},
		{"Bearer ", false},
		{"", false},
	}
	for _, c := range cases {
		if got := BearerMatches(c.value, "tok"); got != c.want {
			t.Errorf("BearerMatches(%q) = %v, want %v", c.value, got, c.want)
		}
	}
}

func TestValidateTable(t *testing.T) {
	const token = "secret"
	hdr := func(auth, proto string) map[string]string {
		h := map[string]string{}
		if auth != "" {
			h["authorization"] = auth
		}
		if proto != "" {
			h["x-aifo-proto"] = proto
		}
		return h
	}

	cases := []struct {
		name      string
		headers   map[string]string
		want      Result
		wantProto Proto
	}{
		{"missing auth any proto", hdr("", "2"), MissingOrInvalidAuth, 0},
		{"wrong token", hdr("Bearer nope", "1"), MissingOrInvalidAuth, 0},
		{"valid auth no proto", hdr("Bearer secret", ""), MissingOrInvalidProto, 0},
		{"valid auth proto 3", hdr("Bearer secret", "3"), MissingOrInvalidProto, 0},
		{"valid auth proto junk", hdr("Bearer secret", "abc"), MissingOrInvalidProto, 0},
		{"v1", hdr("Bearer secret", "1"), Authorized, ProtoV1},
		{"v2", hdr("Bearer secret", "2"), Authorized, ProtoV2},
		{"proto whitespace", hdr("Bearer secret", " 2 "), Authorized, ProtoV2},
	}
	for _, c := range cases {
		got, proto := Validate(c.headers, token)
		if got != c.want || proto != c.wantProto {
			t.Errorf("%s: Validate = (%v, %v), want (%v, %v)", c.name, got, proto, c.want, c.wantProto)
		}
	}
}

// Auth failures must win over proto failures: a request with neither valid
// credentials nor a proto header is Unauthorized, not Upgrade Required.
func TestAuthPrecedesProto(t *testing.T) {
	got, _ := Validate(map[string]string{}, "tok")
	if got != MissingOrInvalidAuth {
		t.Errorf("Validate with empty headers = %v, want MissingOrInvalidAuth", got)
	}
}
