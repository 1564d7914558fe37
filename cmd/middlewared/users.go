package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/truenas/middleware-sub000/internal/runtime/auth"
)

// usersFile is the --users document:
//
//	users:
//	  - username: root
//	    uid: 0
//	    password_hash: $2a$10$...
//	    roles: [FULL_ADMIN]
type usersFile struct {
	Users []struct {
		Username     string   `yaml:"username"`
		UID          int      `yaml:"uid"`
		Groups       []int    `yaml:"groups"`
		PasswordHash string   `yaml:"password_hash"`
		TOTPSecret   string   `yaml:"totp_secret"`
		Roles        []string `yaml:"roles"`
		Locked       bool     `yaml:"locked"`
	} `yaml:"users"`
}

func loadUsers(path string) (*auth.MemoryDirectory, error) {
	dir := auth.NewMemoryDirectory()
	if path == "" {
		return dir, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	var doc usersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}
	seen := map[string]struct{}{}
	for i, u := range doc.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("users[%d]: username is required", i)
		}
		if _, dup := seen[u.Username]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate username %q", i, u.Username)
		}
		seen[u.Username] = struct{}{}
		dir.Put(&auth.User{
			Username:     u.Username,
			UID:          u.UID,
			Groups:       u.Groups,
			PasswordHash: u.PasswordHash,
			TOTPSecret:   u.TOTPSecret,
			Roles:        u.Roles,
			Locked:       u.Locked,
		})
	}
	return dir, nil
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash of a password for the users file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}
