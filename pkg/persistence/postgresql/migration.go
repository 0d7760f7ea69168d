package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create process instance snapshot table
			CREATE TABLE process_instances (
				instance_id VARCHAR(255) PRIMARY KEY,
				process_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				snapshot BYTEA NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_process_instances_process_id ON process_instances(process_id);
			CREATE INDEX idx_process_instances_status ON process_instances(status);

			-- Correlation index: external correlation id to instance id
			CREATE TABLE instance_correlations (
				correlation_id VARCHAR(255) PRIMARY KEY,
				instance_id VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_instance_correlations_instance_id ON instance_correlations(instance_id);
		`,
	}
}
