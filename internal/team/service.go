// Package team manages the directory: organizations, teams, agents,
// repositories, and per-team settings.
package team

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// Service implements directory operations.
type Service struct {
	store    *store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates the directory service.
func NewService(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{store: st, eventBus: eventBus, logger: log}
}

// CreateOrganization creates an organization.
func (s *Service) CreateOrganization(ctx context.Context, name, slug string) (*models.Organization, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.New(apperr.Validation, "organization name is required")
	}
	if slug == "" {
		slug = slugify(name)
	}

	org := &models.Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: time.Now().UTC(),
	}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.CreateOrganization(ctx, org)
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// CreateTeam creates a team under an organization. Every team gets a manager
// agent at creation so routed work always has a coordinator to land on.
func (s *Service) CreateTeam(ctx context.Context, orgID, name, slug string) (*models.Team, *models.Agent, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil, apperr.New(apperr.Validation, "team name is required")
	}
	if _, err := s.store.GetOrganization(ctx, orgID); err != nil {
		return nil, nil, err
	}
	if slug == "" {
		slug = slugify(name)
	}

	now := time.Now().UTC()
	team := &models.Team{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Name:      name,
		Slug:      slug,
		CreatedAt: now,
	}
	manager := &models.Agent{
		ID:        uuid.NewString(),
		TeamID:    team.ID,
		Name:      "manager",
		Role:      models.RoleManager,
		Status:    models.AgentIdle,
		Config:    "{}",
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateTeam(ctx, team); err != nil {
			return err
		}
		if err := tx.CreateAgent(ctx, manager); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, events.TeamStream(team.ID), events.TeamCreated,
			map[string]any{"name": team.Name, "org_id": team.OrgID}, events.Metadata{}); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, events.AgentStream(manager.ID), events.AgentCreated,
			map[string]any{"team_id": team.ID, "name": manager.Name, "role": string(manager.Role)},
			events.Metadata{})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.publish(ctx, events.TeamCreated, map[string]any{
		"team_id": team.ID,
		"org_id":  team.OrgID,
		"name":    team.Name,
	})
	return team, manager, nil
}

// CreateAgentParams are the caller-supplied fields for a new agent.
type CreateAgentParams struct {
	TeamID  string
	Name    string
	Role    models.AgentRole
	Model   string
	Adapter string
	Config  string
}

// CreateAgent adds an agent to a team.
func (s *Service) CreateAgent(ctx context.Context, p CreateAgentParams) (*models.Agent, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, apperr.New(apperr.Validation, "agent name is required")
	}
	switch p.Role {
	case models.RoleManager, models.RoleEngineer, models.RoleReviewer:
	case "":
		p.Role = models.RoleEngineer
	default:
		return nil, apperr.New(apperr.Validation, "unknown agent role %q", p.Role)
	}
	if _, err := s.store.GetTeam(ctx, p.TeamID); err != nil {
		return nil, err
	}
	if p.Config == "" {
		p.Config = "{}"
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:        uuid.NewString(),
		TeamID:    p.TeamID,
		Name:      p.Name,
		Role:      p.Role,
		Model:     p.Model,
		Adapter:   p.Adapter,
		Status:    models.AgentIdle,
		Config:    p.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateAgent(ctx, agent); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, events.AgentStream(agent.ID), events.AgentCreated,
			map[string]any{"team_id": agent.TeamID, "name": agent.Name, "role": string(agent.Role)},
			events.Metadata{})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.AgentCreated, map[string]any{
		"agent_id": agent.ID,
		"team_id":  agent.TeamID,
		"role":     string(agent.Role),
	})
	return agent, nil
}

// SetAgentStatus updates an agent's availability.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	switch status {
	case models.AgentIdle, models.AgentWorking, models.AgentPaused, models.AgentError:
	default:
		return apperr.New(apperr.Validation, "unknown agent status %q", status)
	}

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpdateAgentStatus(ctx, agentID, status); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, events.AgentStream(agentID), events.AgentStatusChanged,
			map[string]any{"status": string(status)}, events.Metadata{})
		return err
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events.AgentStatusChanged, map[string]any{
		"agent_id": agentID,
		"status":   string(status),
	})
	return nil
}

// RegisterRepository registers a git repository with a team.
func (s *Service) RegisterRepository(ctx context.Context, teamID, name, localPath, defaultBranch string) (*models.Repository, error) {
	if strings.TrimSpace(localPath) == "" {
		return nil, apperr.New(apperr.Validation, "repository local path is required")
	}
	if _, err := s.store.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	if name == "" {
		name = slugify(localPath[strings.LastIndex(localPath, "/")+1:])
	}

	repo := &models.Repository{
		ID:            uuid.NewString(),
		TeamID:        teamID,
		Name:          name,
		LocalPath:     localPath,
		DefaultBranch: defaultBranch,
		Config:        "{}",
		CreatedAt:     time.Now().UTC(),
	}
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateRepository(ctx, repo); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, events.RepoStream(repo.ID), events.RepoRegistered,
			map[string]any{"team_id": teamID, "name": name, "local_path": localPath},
			events.Metadata{})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.RepoRegistered, map[string]any{
		"repo_id": repo.ID,
		"team_id": teamID,
	})
	return repo, nil
}

// UpdateSettings writes a team's settings.
func (s *Service) UpdateSettings(ctx context.Context, settings *models.TeamSettings) (*models.TeamSettings, error) {
	if _, err := s.store.GetTeam(ctx, settings.TeamID); err != nil {
		return nil, err
	}
	if settings.DailyCapMicros < 0 || settings.TaskCapMicros < 0 {
		return nil, apperr.New(apperr.Validation, "budget caps cannot be negative")
	}
	settings.UpdatedAt = time.Now().UTC()

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertTeamSettings(ctx, settings); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, events.TeamStream(settings.TeamID), events.SettingsUpdated,
			map[string]any{
				"daily_cap_micros": settings.DailyCapMicros,
				"task_cap_micros":  settings.TaskCapMicros,
				"auto_merge":       settings.AutoMerge,
			}, events.Metadata{})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.SettingsUpdated, map[string]any{"team_id": settings.TeamID})
	return settings, nil
}

// Settings returns a team's settings, falling back to zero values when the
// team never saved any. Zero caps mean the configured defaults apply.
func (s *Service) Settings(ctx context.Context, teamID string) (*models.TeamSettings, error) {
	settings, err := s.store.GetTeamSettings(ctx, teamID)
	if apperr.IsNotFound(err) {
		return &models.TeamSettings{TeamID: teamID}, nil
	}
	return settings, err
}

// GetOrganization returns one organization.
func (s *Service) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	return s.store.GetOrganization(ctx, id)
}

// GetTeam returns one team.
func (s *Service) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	return s.store.GetTeam(ctx, id)
}

// ListTeams returns an organization's teams.
func (s *Service) ListTeams(ctx context.Context, orgID string) ([]models.Team, error) {
	return s.store.ListTeams(ctx, orgID)
}

// GetAgent returns one agent.
func (s *Service) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// ListAgents returns a team's agents.
func (s *Service) ListAgents(ctx context.Context, teamID string) ([]models.Agent, error) {
	return s.store.ListAgents(ctx, teamID)
}

// ListRepositories returns a team's repositories.
func (s *Service) ListRepositories(ctx context.Context, teamID string) ([]models.Repository, error) {
	return s.store.ListRepositories(ctx, teamID)
}

// GetRepository returns one repository.
func (s *Service) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	return s.store.GetRepository(ctx, id)
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "team-service", data)); err != nil {
		s.logger.Error("failed to publish directory event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// slugify lowercases and collapses non-alphanumeric runs to single hyphens.
func slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}
