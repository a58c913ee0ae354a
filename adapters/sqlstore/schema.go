package sqlstore

// Migrations create the tables New expects under their default names.
var Migrations = []string{
	`
	create table flow_records (
		seq          bigint not null auto_increment,
		run_id       varchar(255) not null,
		flow_class   varchar(255) not null,
		status       int not null,
		invocation   blob,
		args         longblob,
		checkpoint   longblob,
		archived     longblob,
		result       longblob,
		last_error   text not null,
		retry_count  int not null default 0,
		wake_at      bigint not null default 0,
		version      bigint not null default 0,
		created_at   bigint not null,
		updated_at   bigint not null,

		primary key(seq),
		unique index by_run_id (run_id),
		index by_status (status)
	)`,
	`
	create table flow_sessions (
		session_id   varchar(255) not null,
		run_id       varchar(255) not null,

		primary key(session_id),
		index by_run_id (run_id)
	)`,
	`
	create table flow_outbox (
		seq          bigint not null auto_increment,
		id           varchar(512) not null,
		run_id       varchar(255) not null,
		data         blob,
		created_at   bigint not null,

		primary key(seq),
		unique index by_id (id)
	)`,
}
