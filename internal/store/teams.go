package store

import (
	"context"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/models"
)

// CreateOrganization inserts a new organization.
func (t *Tx) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`INSERT INTO organizations (id, name, slug, created_at) VALUES (?, ?, ?, ?)`),
		org.ID, org.Name, org.Slug, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// GetOrganization returns one organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	q := s.reader()
	if err := q.GetContext(ctx, &org, q.Rebind(`SELECT * FROM organizations WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "organization", id)
	}
	return &org, nil
}

// CreateTeam inserts a new team.
func (t *Tx) CreateTeam(ctx context.Context, team *models.Team) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`INSERT INTO teams (id, org_id, name, slug, created_at) VALUES (?, ?, ?, ?, ?)`),
		team.ID, team.OrgID, team.Name, team.Slug, team.CreatedAt)
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	return nil
}

// GetTeam returns one team by id.
func (s *Store) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	var team models.Team
	q := s.reader()
	if err := q.GetContext(ctx, &team, q.Rebind(`SELECT * FROM teams WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "team", id)
	}
	return &team, nil
}

// ListTeams returns all teams in an organization ordered by creation.
func (s *Store) ListTeams(ctx context.Context, orgID string) ([]models.Team, error) {
	var teams []models.Team
	q := s.reader()
	err := q.SelectContext(ctx, &teams,
		q.Rebind(`SELECT * FROM teams WHERE org_id = ? ORDER BY created_at, id`), orgID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return teams, nil
}

// UpsertTeamSettings writes or replaces a team's settings row.
func (t *Tx) UpsertTeamSettings(ctx context.Context, ts *models.TeamSettings) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`INSERT INTO team_settings
			(team_id, daily_cap_micros, task_cap_micros, default_model, auto_merge, branch_prefix, review_by_agents, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(team_id) DO UPDATE SET
			daily_cap_micros = excluded.daily_cap_micros,
			task_cap_micros = excluded.task_cap_micros,
			default_model = excluded.default_model,
			auto_merge = excluded.auto_merge,
			branch_prefix = excluded.branch_prefix,
			review_by_agents = excluded.review_by_agents,
			updated_at = excluded.updated_at`),
		ts.TeamID, ts.DailyCapMicros, ts.TaskCapMicros, ts.DefaultModel,
		ts.AutoMerge, ts.BranchPrefix, ts.ReviewByAgents, ts.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert team settings: %w", err)
	}
	return nil
}

// GetTeamSettingsTx reads a team's settings inside the current transaction.
func (t *Tx) GetTeamSettingsTx(ctx context.Context, teamID string) (*models.TeamSettings, error) {
	var ts models.TeamSettings
	if err := t.tx.GetContext(ctx, &ts, t.tx.Rebind(`SELECT * FROM team_settings WHERE team_id = ?`), teamID); err != nil {
		return nil, notFound(err, "team settings", teamID)
	}
	return &ts, nil
}

// GetTeamSettings returns a team's settings, or NotFound when none were saved.
func (s *Store) GetTeamSettings(ctx context.Context, teamID string) (*models.TeamSettings, error) {
	var ts models.TeamSettings
	q := s.reader()
	if err := q.GetContext(ctx, &ts, q.Rebind(`SELECT * FROM team_settings WHERE team_id = ?`), teamID); err != nil {
		return nil, notFound(err, "team settings", teamID)
	}
	return &ts, nil
}

// CreateAgent inserts a new agent.
func (t *Tx) CreateAgent(ctx context.Context, agent *models.Agent) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`INSERT INTO agents (id, team_id, name, role, model, adapter, status, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		agent.ID, agent.TeamID, agent.Name, agent.Role, agent.Model,
		agent.Adapter, agent.Status, agent.Config, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// UpdateAgentStatus sets an agent's availability status.
func (t *Tx) UpdateAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`),
		status, nowUTC(), agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundErr("agent", agentID)
	}
	return nil
}

// GetAgent returns one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	q := s.reader()
	if err := q.GetContext(ctx, &agent, q.Rebind(`SELECT * FROM agents WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "agent", id)
	}
	return &agent, nil
}

// GetAgentTx reads an agent inside the current transaction.
func (t *Tx) GetAgentTx(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	if err := t.tx.GetContext(ctx, &agent, t.tx.Rebind(`SELECT * FROM agents WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "agent", id)
	}
	return &agent, nil
}

// ListAgentsTx reads a team's agents inside the current transaction.
func (t *Tx) ListAgentsTx(ctx context.Context, teamID string) ([]models.Agent, error) {
	var agents []models.Agent
	err := t.tx.SelectContext(ctx, &agents,
		t.tx.Rebind(`SELECT * FROM agents WHERE team_id = ? ORDER BY created_at, id`), teamID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// StuckAgentIDs returns agents marked working that have no open session,
// whose last update is older than the cutoff. These are leftovers from
// crashed runs; Start sets working and End sets it back.
func (t *Tx) StuckAgentIDs(ctx context.Context, updatedBefore time.Time) ([]string, error) {
	var ids []string
	err := t.tx.SelectContext(ctx, &ids, t.tx.Rebind(
		`SELECT a.id FROM agents a
		 WHERE a.status = ? AND a.updated_at < ?
		   AND NOT EXISTS (
		     SELECT 1 FROM sessions s WHERE s.agent_id = a.id AND s.ended_at IS NULL)
		 ORDER BY a.id`),
		models.AgentWorking, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("find stuck agents: %w", err)
	}
	return ids, nil
}

// ListAgents returns all agents in a team.
func (s *Store) ListAgents(ctx context.Context, teamID string) ([]models.Agent, error) {
	var agents []models.Agent
	q := s.reader()
	err := q.SelectContext(ctx, &agents,
		q.Rebind(`SELECT * FROM agents WHERE team_id = ? ORDER BY created_at, id`), teamID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// CreateRepository registers a repository with a team.
func (t *Tx) CreateRepository(ctx context.Context, repo *models.Repository) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(
		`INSERT INTO repositories (id, team_id, name, local_path, default_branch, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		repo.ID, repo.TeamID, repo.Name, repo.LocalPath, repo.DefaultBranch, repo.Config, repo.CreatedAt)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	return nil
}

// GetRepository returns one repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	var repo models.Repository
	q := s.reader()
	if err := q.GetContext(ctx, &repo, q.Rebind(`SELECT * FROM repositories WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "repository", id)
	}
	return &repo, nil
}

// ListRepositories returns all repositories registered with a team.
func (s *Store) ListRepositories(ctx context.Context, teamID string) ([]models.Repository, error) {
	var repos []models.Repository
	q := s.reader()
	err := q.SelectContext(ctx, &repos,
		q.Rebind(`SELECT * FROM repositories WHERE team_id = ? ORDER BY created_at, id`), teamID)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return repos, nil
}
