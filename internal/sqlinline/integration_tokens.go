package sqlinline

// QSelectIntegrationToken reads the current token of one provider.
const QSelectIntegrationToken = `--sql 2c6b0f4e-91d3-4a57-8e0b-5d7c3a1f9e42
select token
from integration_tokens
where provider = $1::text;
`

// QUpsertIntegrationToken rotates a provider token. Properties are merged
// so earlier keys survive a rotation that does not repeat them.
const QUpsertIntegrationToken = `--sql e4a19c73-0b8f-4d2e-a6c5-71f30d8b2c96
insert into integration_tokens (provider, token, properties)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb))
on conflict (provider) do update set
    token = excluded.token,
    properties = integration_tokens.properties || excluded.properties,
    updated_at = now();
`
