package message

import (
	"testing"
)

func TestContactString(t *testing.T) {
	cases := []struct {
		name    string
		contact Contact
		expect  string
	}{
		{"bare", Contact{URI: "sip:alice@10.0.0.1:5060"}, "<sip:alice@10.0.0.1:5060>"},
		{
			"params sorted",
			Contact{URI: "sip:alice@10.0.0.1", Params: map[string]string{"q": "0.8", "expires": "3600"}},
			"<sip:alice@10.0.0.1>;expires=3600;q=0.8",
		},
		{
			"display name and flag param",
			Contact{URI: "sip:bob@host", DisplayName: "Bob", Params: map[string]string{"ob": ""}},
			`"Bob" <sip:bob@host>;ob`,
		},
	}

	for _, tc := range cases {
		if got := tc.contact.String(); got != tc.expect {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.expect)
		}
	}
}

func TestRequestClone(t *testing.T) {
	exp := 60
	req := &Request{
		Method:   MethodRegister,
		URI:      "sip:registrar.example.com",
		Contacts: []Contact{{URI: "sip:a@h", Params: map[string]string{"q": "1"}}},
		Expires:  &exp,
	}

	c := req.Clone()
	c.URI = "sip:10.0.0.9"
	c.Contacts[0].Params["q"] = "0"
	*c.Expires = 0

	if req.URI != "sip:registrar.example.com" {
		t.Fatalf("clone rewrote original URI: %s", req.URI)
	}
	if req.Contacts[0].Params["q"] != "1" {
		t.Fatalf("clone shares contact params")
	}
	if *req.Expires != 60 {
		t.Fatalf("clone shares expires")
	}
}

func TestResponseClasses(t *testing.T) {
	req := &Request{Method: "INVITE"}

	if !NewResponse(req, StatusOK, "OK").Success() {
		t.Fatal("200 should be success")
	}
	if NewResponse(req, StatusNotFound, "Not Found").Success() {
		t.Fatal("404 should not be success")
	}
	if !NewResponse(req, StatusTrying, "Trying").Provisional() {
		t.Fatal("100 should be provisional")
	}
	if (&Request{}).IsResponse() != true {
		t.Fatal("request without method is a stray response")
	}
}

func TestOriginString(t *testing.T) {
	o := Origin{Network: "udp", Addr: "10.0.0.1:5060"}
	if o.String() != "udp/10.0.0.1:5060" {
		t.Fatalf("unexpected origin string %s", o.String())
	}
}
