package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "signalsift"

// Vault retrieves secrets from the system keyring. Mailbox passwords
// live under "mailbox:<id>" and are fetched at call time, never
// persisted by the pipeline.
type Vault struct {
	cfg keyring.Config
}

// NewVault returns the keyring-backed secret store.
func NewVault() *Vault {
	return &Vault{cfg: keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/signalsift/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("signalsift-file-key"),
		KeychainTrustApplication: true,
	}}
}

// open returns a keyring instance for the vault's configuration.
func (v *Vault) open() (keyring.Keyring, error) {
	ring, err := keyring.Open(v.cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// MailboxPassword retrieves the IMAP password for a configured
// mailbox id. A failure here aborts that mailbox's import entirely;
// the pipeline never attempts a partial-credential connection.
func (v *Vault) MailboxPassword(mailboxID string) (string, error) {
	return v.Get("mailbox:" + mailboxID)
}

// SetMailboxPassword stores the IMAP password for a mailbox id.
func (v *Vault) SetMailboxPassword(mailboxID, password string) error {
	return v.Set("mailbox:"+mailboxID, password)
}

// DeleteMailboxPassword removes the stored password for a mailbox id.
func (v *Vault) DeleteMailboxPassword(mailboxID string) error {
	return v.Delete("mailbox:" + mailboxID)
}

// Get retrieves a credential value by key from the system keyring.
func (v *Vault) Get(key string) (string, error) {
	ring, err := v.open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func (v *Vault) Set(key string, value string) error {
	ring, err := v.open()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func (v *Vault) Delete(key string) error {
	ring, err := v.open()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
