//go:build !unix

package security

func mlock([]byte) error   { return nil }
func munlock([]byte) error { return nil }
