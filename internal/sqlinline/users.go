package sqlinline

const QSelectUserByID = `--sql 0060037a-935a-443d-a05a-4a69ae13ae2e
select id::text, username, role, credits, created_at, updated_at
from users
where id = $1::uuid
limit 1;
`

const QSelectUserByUsername = `--sql bafd9ae8-ac25-4ea0-bc6d-b568b2d790d3
select id::text, username, role, credits, created_at, updated_at
from users
where username = $1::text
limit 1;
`

const QListUsers = `--sql 3a750364-676b-4d88-bd51-44777255d409
select id::text, username, role, credits, created_at, updated_at
from users
order by created_at desc, id
limit $1::int offset $2::int;
`

const QUpsertUser = `--sql 7ed2c3fd-5a8c-48d1-8e6d-b2d70b0e8051
insert into users (id, username, role, credits, created_at, updated_at)
values (gen_random_uuid(), $1::text, $2::text, $3::int, now(), now())
on conflict (username) do update set
    role = excluded.role,
    updated_at = now()
returning id::text, username, role, credits, created_at, updated_at;
`
