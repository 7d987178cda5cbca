package sqlinline

const QInsertJob = `--sql d28570a9-31a6-4d1a-9bec-f6863196bdae
insert into job_logs (account_id, platform, handle, payload, dag_id, depends_on)
values ($1::text, $2::text, $3::text, $4::jsonb, $5::text, $6::text[]::uuid[])
returning id::text, account_id, platform, handle, status, stats, error_message, payload,
          dag_id, depends_on::text[], created_at, started_at, completed_at, updated_at;
`

const QSelectJobByID = `--sql 2d34998b-fcdc-4bd1-bc23-924249a42e0b
select id::text, account_id, platform, handle, status, stats, error_message, payload,
       dag_id, depends_on::text[], created_at, started_at, completed_at, updated_at
from job_logs
where id = $1::uuid;
`

const QListJobsByBatch = `--sql 7dfce4e4-2ee7-4661-bc79-0b65236a500b
select id::text, account_id, platform, handle, status, stats, error_message, payload,
       dag_id, depends_on::text[], created_at, started_at, completed_at, updated_at
from job_logs
where dag_id = $1::text
order by seq asc;
`

const QUpdateJobStatus = `--sql 21778d66-10fa-4761-af8b-81b82f8f5a92
update job_logs
set status        = $2::text,
    stats         = coalesce($3::jsonb, stats),
    error_message = $4::text,
    started_at    = case when $2::text = 'running' then coalesce(started_at, now()) else started_at end,
    completed_at  = case when $2::text in ('completed', 'failed') then now() else completed_at end,
    updated_at    = now()
where id = $1::uuid
returning id::text, account_id, platform, handle, status, stats, error_message, payload,
          dag_id, depends_on::text[], created_at, started_at, completed_at, updated_at;
`
