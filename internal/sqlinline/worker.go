package sqlinline

// QWorkerClaimJob picks the oldest pending job whose dependencies have all
// completed. An empty kinds array accepts every kind.
const QWorkerClaimJob = `--sql 144bdcd4-6c68-4846-b724-9f7fc4e09ec7
with next_job as (
    select j.id
    from job_logs j
    where j.status = 'pending'
      and (cardinality($1::text[]) = 0 or j.platform = any($1::text[]))
      and not exists (
          select 1
          from job_logs d
          where d.id = any(j.depends_on)
            and d.status <> 'completed'
      )
    order by j.seq asc
    for update skip locked
    limit 1
),
updated as (
    update job_logs
    set status = 'running', started_at = now(), updated_at = now()
    where id in (select id from next_job)
    returning id::text, account_id, platform, handle, status, stats, error_message, payload,
              dag_id, depends_on::text[], created_at, started_at, completed_at, updated_at
)
select * from updated;
`

const QWorkerFailBlocked = `--sql a65b23ae-f466-4dc9-b90c-e635393bb41e
update job_logs j
set status        = 'failed',
    error_message = 'dependency ' || d.id::text || ' failed',
    completed_at  = now(),
    updated_at    = now()
from job_logs d
where j.status = 'pending'
  and d.id = any(j.depends_on)
  and d.status = 'failed'
returning j.id::text, j.account_id, j.platform, j.handle, j.status, j.stats, j.error_message, j.payload,
          j.dag_id, j.depends_on::text[], j.created_at, j.started_at, j.completed_at, j.updated_at;
`

const QAbandonBatch = `--sql b961221a-bbb4-4fbd-a063-59b7d5ae750d
update job_logs
set status        = 'failed',
    error_message = $2::text,
    completed_at  = now(),
    updated_at    = now()
where dag_id = $1::text
  and status = 'pending'
returning id::text, account_id, platform, handle, status, stats, error_message, payload,
          dag_id, depends_on::text[], created_at, started_at, completed_at, updated_at;
`
