package credentials

import (
	"errors"
	"testing"
	"time"

	"mash/internal/apperrors"
)

var testSecret = []byte("enigma")

func mustCodec(t *testing.T, name string) *Codec {
	t.Helper()
	c, err := NewCodec(name, testSecret, "HS256")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	return c
}

func TestRoutingKeys(t *testing.T) {
	t.Parallel()
	if got := RequestRoutingKey("testing"); got != "request.testing" {
		t.Errorf("RequestRoutingKey() = %q", got)
	}
	if got := ResponseRoutingKey("testing", "42"); got != "testing.42" {
		t.Errorf("ResponseRoutingKey() = %q", got)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()
	stage := mustCodec(t, "testing")
	creds := mustCodec(t, ServiceName)

	token, err := stage.NewRequest("42")
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req, err := creds.ParseRequest(token)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.JobID != "42" || req.Requester != "testing" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()
	ring := mustRing(t, mustKey(t))
	stage := mustCodec(t, "testing")
	creds := mustCodec(t, ServiceName)

	sealed, err := Seal(ring, map[string][]byte{"acnt1": []byte(`{"access_key_id":"123"}`)})
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	token, err := creds.NewResponse("42", "testing", sealed)
	if err != nil {
		t.Fatalf("NewResponse() error = %v", err)
	}

	resp, err := stage.ParseResponse(token)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if resp.JobID != "42" {
		t.Errorf("JobID = %q", resp.JobID)
	}
	opened, err := Open(ring, resp.Credentials)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(opened["acnt1"]) != `{"access_key_id":"123"}` {
		t.Errorf("Open() = %s", opened["acnt1"])
	}
}

func TestParseResponse_Rejects(t *testing.T) {
	t.Parallel()
	stage := mustCodec(t, "testing")
	creds := mustCodec(t, ServiceName)
	otherStage := mustCodec(t, "uploader")
	forged, _ := NewCodec(ServiceName, []byte("wrong secret"), "HS256")

	toOther, _ := creds.NewResponse("42", "uploader", nil)
	fromStage, _ := otherStage.NewResponse("42", "testing", nil)
	badSig, _ := forged.NewResponse("42", "testing", nil)
	request, _ := stage.NewRequest("42")

	tests := []struct {
		name  string
		token string
	}{
		{"wrong audience", toOther},
		{"wrong issuer", fromStage},
		{"bad signature", badSig},
		{"request instead of response", request},
		{"malformed", "not.a.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := stage.ParseResponse(tt.token)
			if !errors.Is(err, apperrors.ErrCredential) {
				t.Errorf("ParseResponse() error = %v, want ErrCredential", err)
			}
		})
	}
}

func TestParseResponse_Expired(t *testing.T) {
	t.Parallel()
	creds := mustCodec(t, ServiceName)
	creds.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _ := creds.NewResponse("42", "testing", nil)

	_, err := mustCodec(t, "testing").ParseResponse(token)
	if !errors.Is(err, apperrors.ErrCredential) {
		t.Errorf("ParseResponse() error = %v, want ErrCredential", err)
	}
}

func TestOpen_FailsOnForeignBlob(t *testing.T) {
	t.Parallel()
	sealed, _ := Seal(mustRing(t, mustKey(t)), map[string][]byte{"a": []byte("x")})
	_, err := Open(mustRing(t, mustKey(t)), sealed)
	if !errors.Is(err, apperrors.ErrCredential) {
		t.Errorf("Open() error = %v, want ErrCredential", err)
	}
}

func TestNewCodec_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewCodec("x", nil, "HS256"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("empty secret error = %v", err)
	}
	if _, err := NewCodec("x", testSecret, "RS256"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("RS256 error = %v", err)
	}
	if _, err := NewCodec("x", testSecret, "none"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("none error = %v", err)
	}
}

func TestMessageCodec(t *testing.T) {
	t.Parallel()
	body, _ := EncodeMessage("abc")
	if string(body) != `{"jwt_token":"abc"}` {
		t.Errorf("EncodeMessage() = %s", body)
	}
	if tok, err := DecodeMessage(body); err != nil || tok != "abc" {
		t.Errorf("DecodeMessage() = %q, %v", tok, err)
	}
	for _, bad := range []string{`{}`, `nope`} {
		if _, err := DecodeMessage([]byte(bad)); !errors.Is(err, apperrors.ErrCredential) {
			t.Errorf("DecodeMessage(%s) error = %v", bad, err)
		}
	}
}
