package server

import "math/rand"

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GeneratePassword returns a four-character session password from the
// A-Z0-9 alphabet, short enough to read out loud to the room.
func GeneratePassword() string {
	b := make([]byte, 4)
	for i := range b {
		b[i] = passwordAlphabet[rand.Intn(len(passwordAlphabet))]
	}
	return string(b)
}
