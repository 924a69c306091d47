package constant

import "time"

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

// MessageType is the dispatch name carried by every broker message.
type MessageType string

const (
	MessageTypeUpload             MessageType = "media.upload"
	MessageTypeMetadataExtracted  MessageType = "media.metadata-extracted"
	MessageTypeThumbnailGenerated MessageType = "media.thumbnail-generated"
)

func (m MessageType) String() string {
	return string(m)
}

const (
	TopicUploads    = "media.uploads"
	TopicEnrichment = "media.enrichment"
)

const (
	GroupThumbnailWorker   = "thumbnail-worker"
	GroupMetadataWorker    = "metadata-worker"
	GroupProjectionUpdater = "projection-updater"
)

type BrokerDriver string

const (
	BrokerDriverRabbitMQ BrokerDriver = "rabbitmq"
	BrokerDriverKafka    BrokerDriver = "kafka"
)

type StorageProvider string

const (
	StorageProviderMinIO StorageProvider = "minio"
	StorageProviderS3    StorageProvider = "s3"
)

// Worker roles selectable with `worker <role>`.
type Role string

const (
	RoleThumbnail    Role = "thumbnail"
	RoleMetadata     Role = "metadata"
	RoleProjection   Role = "projection"
	RoleIdentitySync Role = "identity-sync"
	RoleAll          Role = "all"
)

func (r Role) String() string {
	return string(r)
}

func (r Role) Includes(other Role) bool {
	return r == RoleAll || r == other
}

const (
	ThumbnailPrefix      = "thumbnails/"
	ThumbnailSuffix      = "_thumb.jpg"
	ThumbnailContentType = "image/jpeg"
)

const (
	DefaultSeekOffset       = 5 * time.Second
	DefaultThumbnailQuality = 2
	DefaultPageSize         = 50
	DefaultLookback         = 365 * 24 * time.Hour
)

// Identity provider admin event filters.
const (
	OperationTypeCreate = "CREATE"
	ResourceTypeUser    = "USER"
)

const CheckpointID = 1
