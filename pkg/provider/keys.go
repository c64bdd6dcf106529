package provider

import "golang.zx2c4.com/wireguard/wgctrl/wgtypes"

// Keypair is a locally generated WireGuard identity. The public half is
// registered with the provider; the private half stays on this host.
type Keypair struct {
	PrivateKey string
	PublicKey  string
}

func GenerateKeypair() (Keypair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{
		PrivateKey: priv.String(),
		PublicKey:  priv.PublicKey().String(),
	}, nil
}
