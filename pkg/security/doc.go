/*
Package security seals project env vars at rest with AES-256-GCM.

Projects carry env vars (database URLs, API keys) that dev containers need
at start but that must never sit in the metadata store, in API responses,
or in logs as plaintext. This package encrypts values under a single
master key and hands decrypted NAME=value pairs only to the substrate
driver at container start.

# Key Handling

The master key is 32 bytes, provided base64-encoded in config
(master_key) or derived from a password with SHA-256 for dev setups.
GenerateMasterKey bootstraps a fresh key. Losing the key makes every
stored secret unreadable; there is no recovery path.

# Encryption Format

Values are sealed with AES-256-GCM using a random 12-byte nonce per
value, nonce prepended to the ciphertext:

	[nonce (12 bytes)][ciphertext + GCM tag]

GCM authenticates as well as encrypts: a flipped bit anywhere fails
decryption outright instead of yielding garbage.

# Usage

Sealing a value from the API:

	secret, err := sm.Seal("DATABASE_URL", []byte(value))
	if err != nil {
		return err
	}
	return store.PutSecret(project.ID, secret)

Injecting at container start:

	secrets, _ := store.ListSecrets(project.ID)
	env, err := sm.EnvValues(secrets)
	if err != nil {
		return err
	}
	spec.Env = append(spec.Env, env...)

# Exposure Rules

  - The API lists secret names, never values.
  - Logs record names and digests, never values.
  - Decrypted values exist only in the env slice passed to the driver.

# Integration Points

  - pkg/storage: persists sealed Secret rows per project
  - pkg/api: seal on write, names-only on read
  - pkg/substrate: receives decrypted env at StartContainer
  - cmd/studio: key generation helper for setup
*/
package security
