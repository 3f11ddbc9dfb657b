// Package homedir locates the operator's home directory, the default
// root for the run ledger and report files.
package homedir

import (
	"os"
	"os/user"
)

// Get returns the home directory, preferring $HOME so automation can
// redirect state without touching the account database.
func Get() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}
