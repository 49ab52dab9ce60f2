package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"filippo.io/age"
	"github.com/google/uuid"

	"bastionhq.dev/bastion/shared/target"
	"bastionhq.dev/bastion/shared/types"
)

// webdavCredential mirrors the JSON shape stored under secret kind
// "webdav_credential".
type webdavCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// newTargetDriver builds the target.Driver and base path for t. cred
// supplies resolved WebDAV credentials when the caller already has them;
// nil is fine for callers that never invoke a method requiring auth
// (Redact does not).
func newTargetDriver(t types.Target, cred *webdavCredential) (target.Driver, string, error) {
	switch t.Kind {
	case types.TargetLocalDir:
		if t.LocalDir == nil {
			return nil, "", fmt.Errorf("scheduler: local_dir target missing config")
		}
		return target.NewLocalDir(), t.LocalDir.BasePath, nil
	case types.TargetWebDAV:
		if t.WebDAV == nil {
			return nil, "", fmt.Errorf("scheduler: webdav target missing config")
		}
		username, password := "", ""
		if cred != nil {
			username, password = cred.Username, cred.Password
		}
		return target.NewWebDAV(t.WebDAV.BaseURL, username, password), t.WebDAV.BaseURL, nil
	default:
		return nil, "", fmt.Errorf("scheduler: unknown target kind %q", t.Kind)
	}
}

// resolveTargetDriver resolves any WebDAV credential from the secret
// store under nodeID before building the driver. Used by the worker and
// incomplete-cleanup loops, which need a fully authenticated driver to
// store or scan artifacts.
func (s *Scheduler) resolveTargetDriver(ctx context.Context, t types.Target, nodeID string) (target.Driver, string, error) {
	var cred *webdavCredential
	if t.Kind == types.TargetWebDAV && t.WebDAV != nil && t.WebDAV.CredentialSecretName != "" {
		raw, err := s.secrets.Get(ctx, nodeID, "webdav_credential", t.WebDAV.CredentialSecretName)
		if err != nil {
			return nil, "", fmt.Errorf("scheduler: resolving webdav credential %q: %w", t.WebDAV.CredentialSecretName, err)
		}
		var c webdavCredential
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, "", fmt.Errorf("scheduler: decoding webdav credential %q: %w", t.WebDAV.CredentialSecretName, err)
		}
		cred = &c
	}
	return newTargetDriver(t, cred)
}

// targetDriverForTask resolves the driver for a claimed cleanup or
// artifact-delete task. It prefers the owning job's live spec (so
// current credentials are used); if the job has been deleted it falls
// back to the task's redacted target snapshot, which only carries
// enough information to address a credential-free target (local_dir).
// A WebDAV target whose job is gone cannot be resolved this way and the
// task is left blocked for an operator to handle.
func (s *Scheduler) targetDriverForTask(ctx context.Context, jobID uuid.UUID, nodeID, targetSnapshotJSON string) (target.Driver, string, error) {
	if job, err := s.jobs.GetByID(ctx, jobID); err == nil {
		var spec types.JobSpec
		if jsonErr := json.Unmarshal([]byte(job.SpecJSON), &spec); jsonErr == nil {
			return s.resolveTargetDriver(ctx, spec.Target, nodeID)
		}
	}

	var snap types.RedactedTarget
	if err := json.Unmarshal([]byte(targetSnapshotJSON), &snap); err != nil {
		return nil, "", fmt.Errorf("scheduler: decoding target snapshot: %w", err)
	}
	switch snap.Type {
	case types.TargetLocalDir:
		return target.NewLocalDir(), snap.Location, nil
	case types.TargetWebDAV:
		return nil, "", fmt.Errorf("scheduler: job %s no longer exists, cannot resolve webdav credentials", jobID)
	default:
		return nil, "", fmt.Errorf("scheduler: unknown target type %q in snapshot", snap.Type)
	}
}

// resolveTaskSpec returns a copy of spec with any credential reference it
// carries resolved and inlined, for embedding in a task dispatched to
// agentID over the hub<->agent stream (spec §4.7: "spec (resolved with
// embedded credentials)"). The agent has no secret store of its own, so
// this is the only point at which it ever sees key material.
func (s *Scheduler) resolveTaskSpec(ctx context.Context, agentID string, spec types.JobSpec) (types.JobSpec, error) {
	resolved := spec

	if spec.Pipeline.Encryption.Kind == types.EncryptionAgeX25519 && spec.Pipeline.Encryption.RecipientSecretName != "" {
		raw, err := s.secrets.Get(ctx, agentID, "age_identity", spec.Pipeline.Encryption.RecipientSecretName)
		if err != nil {
			return spec, fmt.Errorf("scheduler: resolving age identity for agent dispatch: %w", err)
		}
		resolved.Pipeline.Encryption.ResolvedIdentity = string(raw)
	}

	if spec.Target.Kind == types.TargetWebDAV && spec.Target.WebDAV != nil && spec.Target.WebDAV.CredentialSecretName != "" {
		raw, err := s.secrets.Get(ctx, agentID, "webdav_credential", spec.Target.WebDAV.CredentialSecretName)
		if err != nil {
			return spec, fmt.Errorf("scheduler: resolving webdav credential for agent dispatch: %w", err)
		}
		var cred webdavCredential
		if err := json.Unmarshal(raw, &cred); err != nil {
			return spec, fmt.Errorf("scheduler: decoding webdav credential for agent dispatch: %w", err)
		}
		webdav := *spec.Target.WebDAV
		webdav.ResolvedUsername = cred.Username
		webdav.ResolvedPassword = cred.Password
		resolved.Target.WebDAV = &webdav
	}

	return resolved, nil
}

// ageRecipientResolver returns an archive.RecipientResolver that reads
// the named age identity from the secret store under nodeID and derives
// its recipient.
func (s *Scheduler) ageRecipientResolver(ctx context.Context, nodeID string) func(secretName string) (age.Recipient, error) {
	return func(secretName string) (age.Recipient, error) {
		raw, err := s.secrets.Get(ctx, nodeID, "age_identity", secretName)
		if err != nil {
			return nil, fmt.Errorf("scheduler: resolving age identity %q: %w", secretName, err)
		}
		id, err := age.ParseX25519Identity(string(raw))
		if err != nil {
			return nil, fmt.Errorf("scheduler: parsing age identity %q: %w", secretName, err)
		}
		return id.Recipient(), nil
	}
}
