package store

import (
	"fmt"

	"github.com/openclaw/openclaw/internal/db/dialect"
)

// initSchema creates the tables, indexes, and (on Postgres) the NOTIFY
// triggers. Statements are executed one at a time: the pgx driver does not
// accept multi-statement strings.
func (s *Store) initSchema() error {
	serial := dialect.SerialPK(s.driver)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL REFERENCES organizations(id),
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_teams_org_id ON teams(org_id)`,

		`CREATE TABLE IF NOT EXISTS team_settings (
			team_id TEXT PRIMARY KEY REFERENCES teams(id),
			daily_cap_micros BIGINT NOT NULL DEFAULT 0,
			task_cap_micros BIGINT NOT NULL DEFAULT 0,
			default_model TEXT NOT NULL DEFAULT '',
			auto_merge BOOLEAN NOT NULL DEFAULT FALSE,
			branch_prefix TEXT NOT NULL DEFAULT '',
			review_by_agents BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL REFERENCES teams(id),
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'engineer',
			model TEXT NOT NULL DEFAULT '',
			adapter TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle',
			config TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_team_id ON agents(team_id)`,

		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL REFERENCES teams(id),
			name TEXT NOT NULL,
			local_path TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			config TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_repositories_team_id ON repositories(team_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			id %s,
			team_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'todo',
			priority TEXT NOT NULL DEFAULT 'medium',
			dri_id TEXT,
			assignee_id TEXT,
			depends_on TEXT NOT NULL DEFAULT '[]',
			repo_ids TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			branch TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_tasks_team_id ON tasks(team_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee_id ON tasks(assignee_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			stream_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_events_stream_id ON events(stream_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id %s,
			team_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_type TEXT NOT NULL DEFAULT 'agent',
			recipient_id TEXT NOT NULL,
			recipient_type TEXT NOT NULL DEFAULT 'agent',
			task_id BIGINT,
			content TEXT NOT NULL,
			delivered_at TIMESTAMP,
			seen_at TIMESTAMP,
			processed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unprocessed ON messages(recipient_id, processed_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS human_requests (
			id %s,
			team_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			task_id BIGINT,
			kind TEXT NOT NULL DEFAULT 'question',
			question TEXT NOT NULL,
			options TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			response TEXT,
			responded_by TEXT,
			timeout_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_human_requests_status ON human_requests(status, timeout_at)`,
		`CREATE INDEX IF NOT EXISTS idx_human_requests_team ON human_requests(team_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			id %s,
			agent_id TEXT NOT NULL,
			task_id BIGINT,
			model TEXT NOT NULL DEFAULT '',
			tokens_in BIGINT NOT NULL DEFAULT 0,
			tokens_out BIGINT NOT NULL DEFAULT 0,
			cache_read BIGINT NOT NULL DEFAULT 0,
			cache_write BIGINT NOT NULL DEFAULT 0,
			cost_micros BIGINT NOT NULL DEFAULT 0,
			error TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, ended_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS reviews (
			id %s,
			task_id BIGINT NOT NULL,
			attempt INTEGER NOT NULL,
			reviewer_id TEXT,
			reviewer_type TEXT NOT NULL DEFAULT 'user',
			verdict TEXT,
			summary TEXT,
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			UNIQUE(task_id, attempt)
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_reviews_task_id ON reviews(task_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS review_comments (
			id %s,
			review_id BIGINT NOT NULL,
			author_id TEXT NOT NULL,
			author_type TEXT NOT NULL DEFAULT 'user',
			file_path TEXT,
			line_number INTEGER,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_review_comments_review_id ON review_comments(review_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS merge_jobs (
			id %s,
			task_id BIGINT NOT NULL,
			repo_id TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT 'rebase',
			status TEXT NOT NULL DEFAULT 'queued',
			merge_commit TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_merge_jobs_status ON merge_jobs(status, id)`,
		`CREATE INDEX IF NOT EXISTS idx_merge_jobs_repo ON merge_jobs(repo_id, status)`,

		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'received',
			received_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP
		)`,
	}

	writer := s.pool.Writer()
	for _, stmt := range statements {
		if _, err := writer.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	if dialect.IsPostgres(s.driver) {
		return s.initNotifyTriggers()
	}
	return nil
}

// initNotifyTriggers installs the commit-bound pg_notify triggers. NOTIFY in
// a trigger is delivered only when the surrounding transaction commits, which
// gives subscribers the "never before commit" guarantee for free.
func (s *Store) initNotifyTriggers() error {
	statements := []string{
		`CREATE OR REPLACE FUNCTION notify_new_message()
		RETURNS TRIGGER AS $$
		BEGIN
			PERFORM pg_notify('new_message', json_build_object(
				'message_id', NEW.id,
				'recipient_id', NEW.recipient_id,
				'recipient_type', NEW.recipient_type,
				'team_id', NEW.team_id,
				'task_id', NEW.task_id
			)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS message_insert_notify ON messages`,
		`CREATE TRIGGER message_insert_notify
			AFTER INSERT ON messages
			FOR EACH ROW
			EXECUTE FUNCTION notify_new_message()`,

		`CREATE OR REPLACE FUNCTION notify_human_request_resolved()
		RETURNS TRIGGER AS $$
		BEGIN
			IF OLD.status = 'pending' AND NEW.status IN ('resolved', 'expired') THEN
				PERFORM pg_notify('human_request_resolved', json_build_object(
					'request_id', NEW.id,
					'agent_id', NEW.agent_id,
					'team_id', NEW.team_id,
					'status', NEW.status
				)::text);
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS human_request_status_notify ON human_requests`,
		`CREATE TRIGGER human_request_status_notify
			AFTER UPDATE ON human_requests
			FOR EACH ROW
			EXECUTE FUNCTION notify_human_request_resolved()`,

		`CREATE OR REPLACE FUNCTION notify_task_status_changed()
		RETURNS TRIGGER AS $$
		BEGIN
			IF OLD.status IS DISTINCT FROM NEW.status THEN
				PERFORM pg_notify('task_status_changed', json_build_object(
					'task_id', NEW.id,
					'team_id', NEW.team_id,
					'old_status', OLD.status,
					'new_status', NEW.status
				)::text);
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS task_status_change_notify ON tasks`,
		`CREATE TRIGGER task_status_change_notify
			AFTER UPDATE ON tasks
			FOR EACH ROW
			EXECUTE FUNCTION notify_task_status_changed()`,
	}

	writer := s.pool.Writer()
	for _, stmt := range statements {
		if _, err := writer.Exec(stmt); err != nil {
			return fmt.Errorf("notify trigger statement failed: %w", err)
		}
	}
	return nil
}
