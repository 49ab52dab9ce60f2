package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/age"

	"bastionhq.dev/bastion/server/internal/db"
	"bastionhq.dev/bastion/shared/manifest"
	"bastionhq.dev/bastion/shared/target"
	"bastionhq.dev/bastion/shared/types"
)

// webdavCredential mirrors the shape a webdav_credential secret is
// stored as, same as the scheduler's.
type webdavCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// resolvedRun bundles everything an operation needs about the run it
// targets: its owning job (nil if the job has since been deleted), the
// node identity secrets are keyed under, and the live job spec (nil
// alongside a nil job).
type resolvedRun struct {
	job    *db.Job
	nodeID string
	spec   *types.JobSpec
}

func (s *Service) resolveRunContext(ctx context.Context, run *db.Run) resolvedRun {
	job, err := s.jobs.GetByID(ctx, run.JobID)
	if err != nil {
		return resolvedRun{nodeID: HubNodeID}
	}
	nodeID := HubNodeID
	if job.AgentID != nil {
		nodeID = job.AgentID.String()
	}
	var spec types.JobSpec
	if jsonErr := json.Unmarshal([]byte(job.SpecJSON), &spec); jsonErr != nil {
		return resolvedRun{job: job, nodeID: nodeID}
	}
	return resolvedRun{job: job, nodeID: nodeID, spec: &spec}
}

// targetDriver resolves a driver and base path for rc, preferring the
// live job spec (current credentials) and falling back to the run's
// redacted target snapshot if the job is gone — which only a local_dir
// target can still serve, since a webdav target's credentials cannot be
// recovered from a redacted snapshot.
func (s *Service) targetDriver(ctx context.Context, rc resolvedRun, run *db.Run) (target.Driver, string, error) {
	if rc.spec != nil {
		return s.driverForTarget(ctx, rc.spec.Target, rc.nodeID)
	}

	var snap types.RedactedTarget
	if err := json.Unmarshal([]byte(run.TargetSnapshotJSON), &snap); err != nil {
		return nil, "", fmt.Errorf("operations: decoding target snapshot: %w", err)
	}
	switch snap.Type {
	case types.TargetLocalDir:
		return target.NewLocalDir(), snap.Location, nil
	case types.TargetWebDAV:
		return nil, "", fmt.Errorf("operations: job %s no longer exists, cannot recover webdav credentials", run.JobID)
	default:
		return nil, "", fmt.Errorf("operations: unknown target type %q in snapshot", snap.Type)
	}
}

func (s *Service) driverForTarget(ctx context.Context, t types.Target, nodeID string) (target.Driver, string, error) {
	switch t.Kind {
	case types.TargetLocalDir:
		if t.LocalDir == nil {
			return nil, "", fmt.Errorf("operations: local_dir target missing config")
		}
		return target.NewLocalDir(), t.LocalDir.BasePath, nil
	case types.TargetWebDAV:
		if t.WebDAV == nil {
			return nil, "", fmt.Errorf("operations: webdav target missing config")
		}
		username, password := "", ""
		if t.WebDAV.CredentialSecretName != "" {
			raw, err := s.secrets.Get(ctx, nodeID, "webdav_credential", t.WebDAV.CredentialSecretName)
			if err != nil {
				return nil, "", fmt.Errorf("operations: loading webdav credential: %w", err)
			}
			var cred webdavCredential
			if err := json.Unmarshal(raw, &cred); err != nil {
				return nil, "", fmt.Errorf("operations: decoding webdav credential: %w", err)
			}
			username, password = cred.Username, cred.Password
		}
		return target.NewWebDAV(t.WebDAV.BaseURL, username, password), t.WebDAV.BaseURL, nil
	default:
		return nil, "", fmt.Errorf("operations: unknown target kind %q", t.Kind)
	}
}

// loadManifest fetches and decodes manifest.json for a stored run.
func (s *Service) loadManifest(ctx context.Context, driver target.Driver, base, jobID, runID string) (manifest.Manifest, error) {
	var m manifest.Manifest
	rc, err := driver.OpenPart(ctx, base, jobID, runID, manifest.ManifestName)
	if err != nil {
		return m, fmt.Errorf("operations: opening manifest: %w", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return m, fmt.Errorf("operations: reading manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("operations: decoding manifest: %w", err)
	}
	return m, nil
}

// resolveIdentity resolves the age identity needed to decrypt m's
// payload, if any. Only possible when the owning job still exists: the
// recipient secret name lives in the live job spec, not in the manifest
// (which never carries key material or identifiers back to a secret).
func (s *Service) resolveIdentity(ctx context.Context, rc resolvedRun, m manifest.Manifest) (age.Identity, bool, error) {
	encrypted := m.Pipeline.Encryption == "age"
	if !encrypted {
		return nil, false, nil
	}
	if rc.spec == nil || rc.spec.Pipeline.Encryption.RecipientSecretName == "" {
		return nil, true, fmt.Errorf("operations: run is encrypted but its job's encryption identity is no longer available")
	}
	raw, err := s.secrets.Get(ctx, rc.nodeID, "age_identity", rc.spec.Pipeline.Encryption.RecipientSecretName)
	if err != nil {
		return nil, true, fmt.Errorf("operations: loading age identity: %w", err)
	}
	id, err := age.ParseX25519Identity(string(raw))
	if err != nil {
		return nil, true, fmt.Errorf("operations: parsing age identity: %w", err)
	}
	return id, true, nil
}
