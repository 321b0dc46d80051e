// Package storage provides the station's persistence backends, selected by URI.
//
// Two kinds of store are offered:
//
//   - Token stores hold one text token: the serial counter (read and
//     rewritten) or the key token (read only).
//   - Record stores keep provisioning records, addressed by the SHA-256 of
//     their content. A multi-backend writes every record to all of them.
//
// # Token locations
//
//	serial_number.txt                         plain path, same as file://
//	file:///var/lib/station/serial_number.txt
//	s3://bucket/station/serial_number.txt?region=eu-central-1
//	vault://vault.example.com:8200/secret/esp/device-key?field=key
//
// Vault locations are read-only and use the KV v2 engine; the token is taken
// from VAULT_TOKEN, or a TLS client certificate is given with the cert and
// key query parameters.
//
// # Record locations
//
//	file:///var/lib/station/records/
//	s3://bucket/records/?region=us-west-2&endpoint=minio.local:9000
//	ipfs://127.0.0.1:5001/?dir=/esp-records
//
// Usage:
//
//	factory := storage.NewStorageBackendFactory(logger)
//	serial, err := factory.TokenStoreFor("s3://line-1/serial.txt")
//	records, err := factory.CreateMultiBackend([]string{"file:///var/lib/records", "ipfs://127.0.0.1:5001"})
package storage
