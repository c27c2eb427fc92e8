package sqlinline

// QDeductUnits records one ledger row per new reference and debits the user
// once for all of them, so a replayed reference is a no-op. The
// users.credits check constraint aborts the whole statement when the balance
// would go negative, leaving no row recorded.
const QDeductUnits = `--sql 5b7e2d91-3c4a-4f6e-9d08-a1c2e3f40b57
with incoming as (
    select distinct unnest($3::text[]) as reference
),
recorded as (
    insert into credit_transactions (id, user_id, amount, reference, created_at)
    select gen_random_uuid(), u.id, $2::int, i.reference, now()
    from users u
    cross join incoming i
    where u.id = $1::uuid
    on conflict (reference) do nothing
    returning user_id
),
debited as (
    update users
    set credits = credits - $2::int * (select count(*) from recorded)::int,
        updated_at = now()
    where id = $1::uuid
      and exists (select 1 from recorded)
    returning id
)
select
    (select count(*) from recorded)::int as units,
    exists (select 1 from users where id = $1::uuid) as user_exists;
`

const QUpdateUserCredits = `--sql 8f3dcd0d-9b2c-4c9f-8a51-59d2fb9d6250
update users
set credits = $2::int,
    updated_at = now()
where id = $1::uuid
returning id::text, username, role, credits, created_at, updated_at;
`
