// Package app composes the reward engine's services into a running
// application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── config/             # YAML configuration with env overrides
//	├── domain/             # Domain models (pure data structures)
//	│   ├── record/         # Collected items and sync state
//	│   ├── reward/         # Reward credits and user stats
//	│   ├── settlement/     # Settlement batches and their state machine
//	│   └── wallet/         # Wallets and transaction records
//	├── storage/            # Store interfaces and implementations
//	│   ├── interfaces.go   # RecordStore, RewardStore, SettlementStore, WalletStore
//	│   ├── memory/         # In-memory implementation
//	│   └── postgres/       # PostgreSQL implementation
//	├── services/           # Business logic
//	│   ├── ledger/         # Exactly-once reward crediting
//	│   ├── settlement/     # Batch dispatch, chain submission, confirmation
//	│   ├── syncer/         # Client-side batch submitter
//	│   └── wallet/         # Wallet ledger and reconciliation
//	├── httpapi/            # HTTP handlers, auth, and rate limiting
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus metrics
//
// Business logic lives in services/; this package only wires stores,
// services, and background pollers together. Domain models carry no
// behavior beyond small predicates so every layer can share them.
package app
