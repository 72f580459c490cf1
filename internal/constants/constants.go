package constants

// Defaults mirror the production crontab entry on the Biostar host.
const (
	DefaultWorkDir        = "/export/www/biostar-central/"
	DefaultCondaHook      = "~/miniconda3/etc/profile.d/conda.sh"
	DefaultCondaEnv       = "engine"
	DefaultPython         = "python"
	DefaultManage         = "manage.py"
	DefaultUpdateCount    = 5
	DefaultPostgresHost   = "/var/run/postgresql"
	DefaultDjangoSettings = "conf.run.site_settings"
	DefaultDBPath         = "planetjob.db"
	DefaultStatusAddr     = ":4455"

	PlanetCommand = "planet"
	UpdateFlag    = "--update"

	RecentRunsLimit = 20
	LogRecentDays   = 7
)
