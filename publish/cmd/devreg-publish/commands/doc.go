// Package commands defines the devreg-publish CLI.
//
// Commands
//
//   - deploy          Deploy String, link it into DevReg and deploy DevReg
//   - deploy-string   Deploy String behind a transparent proxy
//   - deploy-devreg   Deploy DevReg behind a transparent proxy
//   - publish-one     Deploy any artifact, plain or proxied
//   - validate        Check an artifact for upgrade safety
//   - call            Run a read-only contract call
//   - status          Check recorded deployments against the chain
//
// Network settings come from devreg.yaml, the environment (.env is loaded
// when present) and flags, in increasing order of precedence. Reports go to
// stdout, logs to stderr. Failures exit 1, usage errors exit 2.
package commands
