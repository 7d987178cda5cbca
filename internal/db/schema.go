package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"tradepost/internal/infra"
)

// QSchema creates the job_logs table and the trigger that announces row
// updates on the realtime channel. The payload column is stripped from the
// notification to stay under the NOTIFY size limit.
const QSchema = `--sql f45d39f3-0b68-4a64-973f-01df41659a75
create extension if not exists pgcrypto;

create table if not exists job_logs (
    id            uuid primary key default gen_random_uuid(),
    seq           bigint generated always as identity,
    account_id    text not null,
    platform      text not null,
    handle        text not null default '',
    status        text not null default 'pending'
                  check (status in ('pending', 'running', 'completed', 'failed')),
    stats         jsonb not null default '{}'::jsonb,
    error_message text,
    payload       jsonb not null default '{}'::jsonb,
    dag_id        text,
    depends_on    uuid[] not null default '{}',
    created_at    timestamptz not null default now(),
    started_at    timestamptz,
    completed_at  timestamptz,
    updated_at    timestamptz not null default now()
);

create index if not exists job_logs_dag_id_idx on job_logs (dag_id) where dag_id is not null;
create index if not exists job_logs_pending_idx on job_logs (seq) where status = 'pending';
create index if not exists job_logs_account_idx on job_logs (account_id, created_at desc);

create or replace function notify_job_logs_change() returns trigger as $$
begin
    perform pg_notify('{{channel}}', (row_to_json(NEW)::jsonb - 'payload' - 'seq')::text);
    return NEW;
end;
$$ language plpgsql;

drop trigger if exists job_logs_notify on job_logs;
create trigger job_logs_notify
    after update on job_logs
    for each row execute function notify_job_logs_change();
`

var channelRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// SchemaFor renders QSchema for the given notification channel.
func SchemaFor(channel string) (string, error) {
	if !channelRegexp.MatchString(channel) {
		return "", fmt.Errorf("invalid realtime channel %q", channel)
	}
	return strings.ReplaceAll(QSchema, "{{channel}}", channel), nil
}

// Migrate applies the schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, exec infra.SQLExecutor, channel string) error {
	schema, err := SchemaFor(channel)
	if err != nil {
		return err
	}
	if _, err := exec.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
