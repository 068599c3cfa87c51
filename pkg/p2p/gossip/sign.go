package gossip

import "crypto/ed25519"

func sign(keys ClusterKeys, digest []byte) []byte {
	return ed25519.Sign(keys.Priv, digest)
}

func verify(pub ed25519.PublicKey, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}
