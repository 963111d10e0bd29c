package wgconf

import (
	"strings"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if !ValidKey(priv) || !ValidKey(pub) {
		t.Fatalf("invalid keys: %q %q", priv, pub)
	}
	derived, err := PublicKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	if derived != pub {
		t.Fatalf("derived public key mismatch: %q != %q", derived, pub)
	}
}

func TestValidKey(t *testing.T) {
	if ValidKey("not-base64!") {
		t.Fatal("garbage accepted")
	}
	if ValidKey("AAAA") {
		t.Fatal("short key accepted")
	}
}

func TestRender(t *testing.T) {
	conf := Render(Peer{
		PrivateKey:      "priv",
		ClientIP:        "10.8.0.7",
		ServerPublicKey: "srvpub",
		Endpoint:        "203.0.113.5:51820",
	})

	for _, want := range []string{
		"PrivateKey = priv\n",
		"Address = 10.8.0.7/32\n",
		"DNS = 1.1.1.1, 1.0.0.1\n",
		"MTU = 1420\n",
		"PublicKey = srvpub\n",
		"Endpoint = 203.0.113.5:51820\n",
		"AllowedIPs = 0.0.0.0/0, ::/0\n",
		"PersistentKeepalive = 25\n",
	} {
		if !strings.Contains(conf, want) {
			t.Fatalf("config missing %q:\n%s", want, conf)
		}
	}
	if strings.Contains(conf, "PresharedKey") {
		t.Fatalf("unexpected preshared key:\n%s", conf)
	}

	conf = Render(Peer{ClientIP: "10.8.0.7/24", DNS: "9.9.9.9", PresharedKey: "psk"})
	if !strings.Contains(conf, "Address = 10.8.0.7/24\n") || !strings.Contains(conf, "DNS = 9.9.9.9\n") ||
		!strings.Contains(conf, "PresharedKey = psk\n") {
		t.Fatalf("overrides not applied:\n%s", conf)
	}
}
